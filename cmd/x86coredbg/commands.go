/*
 * x86core - Debug console command table
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

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rcornwell/x86core/core"
	"github.com/rcornwell/x86core/memory"
	"github.com/rcornwell/x86core/util/hex"
)

// session bundles the one CpuCore the console drives together with the
// memory it steps over and the breakpoint set the "continue"/"step" loop
// consults. It is not safe for concurrent use; the console is single-
// threaded by design (see main.go).
type session struct {
	core        *core.CpuCore
	bus         *memory.Bus
	ic          *consoleController
	breakpoints map[uint64]bool
}

type cmd struct {
	name    string
	min     int
	process func(*cmdLine, *session) (bool, error)
}

type cmdLine struct {
	line string
	pos  int
}

var cmdList = []cmd{
	{name: "step", min: 1, process: cmdStep},
	{name: "continue", min: 1, process: cmdContinue},
	{name: "regs", min: 1, process: cmdRegs},
	{name: "break", min: 2, process: cmdBreak},
	{name: "clear", min: 2, process: cmdClear},
	{name: "mem", min: 1, process: cmdMem},
	{name: "raise", min: 1, process: cmdRaise},
	{name: "quit", min: 1, process: cmdQuit},
}

// ProcessCommand parses and runs one console line. The bool result reports
// whether the console should exit.
func ProcessCommand(line string, s *session) (bool, error) {
	cl := &cmdLine{line: line}
	name := cl.getWord()
	if name == "" {
		return false, nil
	}

	match := matchList(name)
	if len(match) == 0 {
		return false, fmt.Errorf("command not found: %s", name)
	}
	if len(match) > 1 {
		return false, fmt.Errorf("ambiguous command: %s", name)
	}
	return match[0].process(cl, s)
}

func matchList(name string) []cmd {
	var out []cmd
	for _, c := range cmdList {
		if len(name) <= len(c.name) && len(name) >= c.min && c.name[:len(name)] == name {
			out = append(out, c)
		}
	}
	return out
}

func (l *cmdLine) skipSpace() {
	for l.pos < len(l.line) && l.line[l.pos] == ' ' {
		l.pos++
	}
}

func (l *cmdLine) isEOL() bool { return l.pos >= len(l.line) }

func (l *cmdLine) getWord() string {
	l.skipSpace()
	start := l.pos
	for l.pos < len(l.line) && l.line[l.pos] != ' ' {
		l.pos++
	}
	return l.line[start:l.pos]
}

func cmdStep(cl *cmdLine, s *session) (bool, error) {
	n := 1
	if w := cl.getWord(); w != "" {
		v, err := strconv.Atoi(w)
		if err != nil {
			return false, fmt.Errorf("step: %w", err)
		}
		n = v
	}
	for i := 0; i < n; i++ {
		res, ex, err := s.core.Step(s.bus, s.ic)
		if err != nil {
			return false, err
		}
		if ex != nil {
			fmt.Printf("exception: %s\n", ex.Error())
		}
		if !res.Retired {
			break
		}
	}
	fmt.Println(formatRegs(s.core.State))
	return false, nil
}

func cmdContinue(cl *cmdLine, s *session) (bool, error) {
	for {
		if s.breakpoints[s.core.State.RIP()] {
			fmt.Printf("stopped at breakpoint %#x\n", s.core.State.RIP())
			return false, nil
		}
		res, ex, err := s.core.Step(s.bus, s.ic)
		if err != nil {
			return false, err
		}
		if ex != nil {
			fmt.Printf("exception: %s\n", ex.Error())
			return false, nil
		}
		if !res.Retired {
			fmt.Println("halted, nothing pending")
			return false, nil
		}
	}
}

func cmdRegs(_ *cmdLine, s *session) (bool, error) {
	fmt.Println(formatRegs(s.core.State))
	return false, nil
}

func cmdBreak(cl *cmdLine, s *session) (bool, error) {
	w := cl.getWord()
	addr, err := strconv.ParseUint(strings.TrimPrefix(w, "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("break: %w", err)
	}
	if s.breakpoints == nil {
		s.breakpoints = map[uint64]bool{}
	}
	s.breakpoints[addr] = true
	fmt.Printf("breakpoint set at %#x\n", addr)
	return false, nil
}

func cmdClear(cl *cmdLine, s *session) (bool, error) {
	w := cl.getWord()
	addr, err := strconv.ParseUint(strings.TrimPrefix(w, "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("clear: %w", err)
	}
	delete(s.breakpoints, addr)
	return false, nil
}

func cmdMem(cl *cmdLine, s *session) (bool, error) {
	aw := cl.getWord()
	addr, err := strconv.ParseUint(strings.TrimPrefix(aw, "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("mem: %w", err)
	}
	n := 16
	if lw := cl.getWord(); lw != "" {
		v, err := strconv.Atoi(lw)
		if err != nil {
			return false, fmt.Errorf("mem: %w", err)
		}
		n = v
	}
	buf := make([]byte, n)
	if err := s.bus.ReadBytes(addr, buf); err != nil {
		return false, err
	}
	for i := 0; i < n; i += 16 {
		end := i + 16
		if end > n {
			end = n
		}
		var line strings.Builder
		hex.FormatWord(&line, []uint32{uint32(addr + uint64(i))})
		line.WriteString(": ")
		hex.FormatBytes(&line, true, buf[i:end])
		fmt.Println(line.String())
	}
	return false, nil
}

func cmdRaise(cl *cmdLine, s *session) (bool, error) {
	w := cl.getWord()
	if w == "nmi" {
		s.ic.RaiseLine(-1)
		return false, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(w, "0x"), 16, 8)
	if err != nil {
		return false, fmt.Errorf("raise: %w", err)
	}
	s.ic.RaiseLine(int(v))
	return false, nil
}

func cmdQuit(_ *cmdLine, _ *session) (bool, error) {
	return true, nil
}
