// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"vmcore.dev/vmcore/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// the debug log.
var ErrorLogger io.Writer = os.Stderr

// Infof writes an informational message to the log and to stdout.
func Infof(format string, args ...any) {
	log.InfofAtDepth(1, format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf writes an error message to the log and to ErrorLogger.
func Errorf(format string, args ...any) {
	log.WarningfAtDepth(1, format, args...)
	writeError(fmt.Sprintf(format, args...))
}

// Fatalf logs the same message as Errorf and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.WarningfAtDepth(1, "FATAL ERROR: "+format, args...)
	writeError(fmt.Sprintf(format, args...))
	os.Exit(128)
}

func writeError(msg string) {
	if ErrorLogger != nil {
		fmt.Fprintln(ErrorLogger, "vmsim: "+msg)
	}
}
