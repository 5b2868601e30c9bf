/*
 * x86core - Masked per-subsystem debug tracing
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package trace is a lightweight bitmask-gated tracer. Each subsystem of the
// core (MMU, decoder, interpreter, translator) calls Tracef with its own
// module bit; when that bit is not set in the active mask, the call returns
// before formatting the message, so tracing costs nothing when disabled.
package trace

import (
	"fmt"
	"os"
	"strings"

	"github.com/rcornwell/x86core/config/configparser"
)

// Module bits. Combine with the TRACE configuration keyword, e.g.
// "trace mmu interp".
const (
	MMU = 1 << iota
	Decode
	Interp
	Translate
	Core
)

var (
	traceFile *os.File
	mask      int
)

var nameToModule = map[string]int{
	"mmu":       MMU,
	"decode":    Decode,
	"interp":    Interp,
	"translate": Translate,
	"core":      Core,
}

// Tracef emits a trace line for module if it is enabled in the active mask
// and a trace file has been configured. format must not include a trailing
// newline; Tracef adds one.
func Tracef(module int, format string, a ...interface{}) {
	if traceFile == nil || mask&module == 0 {
		return
	}
	fmt.Fprintf(traceFile, format+"\n", a...)
}

// Enabled reports whether module will currently produce output, letting
// callers skip building an expensive argument list.
func Enabled(module int) bool {
	return traceFile != nil && mask&module != 0
}

func init() {
	configparser.RegisterOption("TRACEFILE", setTraceFile)
	configparser.RegisterOptions("TRACE", setTraceMask)
}

func setTraceFile(value string, _ []configparser.Option) error {
	if traceFile != nil {
		return fmt.Errorf("trace file already set to %s", traceFile.Name())
	}
	file, err := os.Create(value)
	if err != nil {
		return fmt.Errorf("unable to create trace file %s: %w", value, err)
	}
	traceFile = file
	return nil
}

func setTraceMask(value string, opts []configparser.Option) error {
	if value != "" {
		bit, ok := nameToModule[strings.ToLower(value)]
		if !ok {
			return fmt.Errorf("unknown trace module %q", value)
		}
		mask |= bit
	}
	for _, opt := range opts {
		bit, ok := nameToModule[strings.ToLower(opt.Name)]
		if !ok {
			return fmt.Errorf("unknown trace module %q", opt.Name)
		}
		mask |= bit
	}
	return nil
}
