// Package logx is the structured logging facade over zerolog.
//
// Components take a Logger by value and tag it with comp=<name>. The process
// owns one Service; its Apply swaps level and sinks at runtime when the
// config file is reloaded.
package logx
