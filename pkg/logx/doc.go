// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so services can hold a Logger value whose sinks and level can be
// swapped at runtime via the owning Service, and so call sites can attach
// typed fields without importing zerolog directly.
package logx
