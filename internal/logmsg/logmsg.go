// Copyright 2023 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

// Package logmsg is the message layer shared by the library and the CLI.
// Messages go to stderr; when the systemd journal socket is reachable they
// are mirrored there so that boot-time invocations leave a trace.
package logmsg

import (
	"fmt"
	"os"

	"github.com/coreos/go-systemd/journal"
)

var debugLevel int

// SetDebugLevel sets the verbosity for Debug messages. Zero silences them.
func SetDebugLevel(level int) {
	debugLevel = level
}

func emit(pri journal.Priority, msg string) {
	fmt.Fprint(os.Stderr, msg)
	if journal.Enabled() {
		journal.Send(msg, pri, nil)
	}
}

// Debug emits a message only when debugging was requested.
func Debug(format string, args ...any) {
	if debugLevel < 1 {
		return
	}
	emit(journal.PriDebug, fmt.Sprintf(format, args...))
}

// Info emits a progress message.
func Info(format string, args ...any) {
	emit(journal.PriInfo, fmt.Sprintf(format, args...))
}

// Error emits an error message.
func Error(format string, args ...any) {
	emit(journal.PriErr, "Error: "+fmt.Sprintf(format, args...))
}
