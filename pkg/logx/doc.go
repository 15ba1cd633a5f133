// Package logx is a small structured-logging facade over zerolog.
//
// Components receive a Logger value and derive scoped loggers with With().
// The zero Logger is a safe no-op, so wiring order never matters.
package logx
