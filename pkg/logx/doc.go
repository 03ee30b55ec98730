// Package logx is jobsched's structured logger: a thin value-type wrapper
// over zerolog whose level and sinks can be swapped at runtime by a
// config reload. Console output is human readable by default; files
// always get JSON lines.
package logx
