// Package logx provides structured logging for the bot.
//
// It wraps zerolog behind a small Logger/Field API so components do not
// depend on a concrete logging backend, and supports swapping sinks and
// levels at runtime via Service.Apply (used by config hot-reload).
package logx
