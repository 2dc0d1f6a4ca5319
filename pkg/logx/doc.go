// Package logx is the structured logger used across bulksender.
//
// Logger is a small value type over zerolog; Field helpers build the
// key/value pairs. Service owns the sinks (console, JSON file and the
// operator alert sink) and can swap them at runtime with Apply.
package logx
