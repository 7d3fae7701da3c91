// Package logx is agendacore's structured logging on top of zerolog.
//
// Components take a Logger value and tag it with Component. The process
// owns one Service whose Apply switches level and sinks on config reload;
// every Logger derived from it follows along.
package logx
