/*
 * x86core - Debug console
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

// Command x86coredbg is an interactive console driving one core.CpuCore:
// step/continue/break/clear/regs/mem/raise/quit, nothing else. It is a development
// harness, not a guest OS boot target — there is no disk, no firmware,
// no device model beyond the one latch consoleController offers.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	getopt "github.com/pborman/getopt/v2"
	"github.com/peterh/liner"

	"github.com/rcornwell/x86core/config/configparser"
	"github.com/rcornwell/x86core/core"
	"github.com/rcornwell/x86core/cpustate"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/mmu"
	"github.com/rcornwell/x86core/util/logger"
)

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optMem := getopt.StringLong("mem", 'm', "1M", "Guest memory size, e.g. 64M")
	optMode := getopt.StringLong("mode", 'd', "real", "Initial CPU mode: real, prot32, long64")
	optTrace := getopt.StringLong("trace", 't', "", "Trace file")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	debugLog := false
	slog.SetDefault(slog.New(logger.NewHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}, &debugLog)))

	if *optConfig != "" {
		if err := configparser.LoadConfigFile(*optConfig); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
	}
	if *optTrace != "" {
		if err := loadTraceFileOption(*optTrace); err != nil {
			slog.Error(err.Error())
			os.Exit(1)
		}
	}

	size, err := parseMemSize(*optMem)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	bus := memory.NewBus(size)

	state := cpustate.New()
	mode, err := parseMode(*optMode)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	state.Mode = mode

	s := &session{
		core:        core.New(state, mmu.New()),
		bus:         bus,
		ic:          &consoleController{},
		breakpoints: map[uint64]bool{},
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("x86coredbg> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return
			}
			slog.Error("reading console line: " + err.Error())
			return
		}
		line.AppendHistory(input)
		quit, err := ProcessCommand(input, s)
		if err != nil {
			fmt.Println("error: " + err.Error())
		}
		if quit {
			return
		}
	}
}

// loadTraceFileOption drives configparser's own TRACEFILE keyword so the
// -trace flag takes the same code path a config-file line would, instead of
// reaching into internal/trace directly.
func loadTraceFileOption(path string) error {
	tmp, err := os.CreateTemp("", "x86coredbg-trace-*.cfg")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "tracefile %s\n", path); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	return configparser.LoadConfigFile(tmp.Name())
}

func parseMode(name string) (cpustate.Mode, error) {
	switch strings.ToLower(name) {
	case "real":
		return cpustate.Real, nil
	case "vm86":
		return cpustate.Vm86, nil
	case "prot16":
		return cpustate.Bit16Protected, nil
	case "prot32":
		return cpustate.Protected32, nil
	case "long64":
		return cpustate.Long64, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", name)
	}
}

func parseMemSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty memory size")
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	var n uint64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return n * mult, nil
}
