/*
 * x86core - Configuration file parser
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

// Package configparser reads the small key=value configuration files used to
// set up a CpuCore before the host starts stepping it. The keywords registered
// today are MEMSIZE, TRACEFILE, TRACE, TIER1MAXINSTS and TIER1MAXBYTES. It
// does not know about devices; the core has none.
package configparser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
)

/* Configuration file format:
 *
 * '#' indicates comment, rest of line is ignored.
 * <line> := <keyword> <whitespace> <options> |
 *            <keyword> '=' <value>
 * <options> ::= *(<option> *(<whitespace>) [','])
 * <option> ::= <string> ['=' <value>]
 */

// Option is one `name[=value]` token following a keyword; options are
// separated by whitespace or a comma.
type Option struct {
	Name     string   // Name of option.
	EqualOpt string   // Value of string after =.
	Value    []string // Extra values; the parser leaves this empty.
}

const (
	TypeOption  = 1 + iota // Accepts a single value after the keyword.
	TypeOptions            // Accepts a value plus a list of options.
	TypeSwitch             // No value, just sets a flag.
)

type keywordDef struct {
	create func(value string, opts []Option) error
	ty     int
}

var keywords = map[string]keywordDef{}

var lineNumber int

func getKeyword(word string) int {
	def, ok := keywords[word]
	if !ok {
		return 0
	}
	return def.ty
}

// RegisterSwitch registers a bare keyword (no value) called from an init func.
func RegisterSwitch(word string, fn func(value string, opts []Option) error) {
	word = strings.ToUpper(word)
	keywords[word] = keywordDef{create: fn, ty: TypeSwitch}
}

// RegisterOption registers a keyword that takes exactly one value.
func RegisterOption(word string, fn func(value string, opts []Option) error) {
	word = strings.ToUpper(word)
	keywords[word] = keywordDef{create: fn, ty: TypeOption}
}

// RegisterOptions registers a keyword that takes a value plus option list.
func RegisterOptions(word string, fn func(value string, opts []Option) error) {
	word = strings.ToUpper(word)
	keywords[word] = keywordDef{create: fn, ty: TypeOptions}
}

// LoadConfigFile reads and applies every recognized keyword line in name.
func LoadConfigFile(name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()

	lineNumber = 0
	reader := bufio.NewReader(file)
	for {
		line := optionLine{}
		line.line, err = reader.ReadString('\n')
		lineNumber++
		if len(line.line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if err := line.parseLine(); err != nil {
			return err
		}
	}
	return nil
}

type optionLine struct {
	line string
	pos  int
}

func (line *optionLine) parseLine() error {
	word := line.parseWord()
	if word == "" {
		return nil
	}
	line.skipSpace()
	if !line.isEOL() && line.line[line.pos] == '=' {
		line.pos++
	}

	switch getKeyword(word) {
	case TypeOption:
		value := line.parseValue()
		line.skipSpace()
		if !line.isEOL() {
			return fmt.Errorf("option %s followed by unexpected text, line %d", word, lineNumber)
		}
		return keywords[word].create(value, nil)

	case TypeOptions:
		value := line.parseValue()
		opts, err := line.parseOptions()
		if err != nil {
			return err
		}
		return keywords[word].create(value, opts)

	case TypeSwitch:
		line.skipSpace()
		if !line.isEOL() {
			return fmt.Errorf("switch %s followed by unexpected value, line %d", word, lineNumber)
		}
		return keywords[word].create("", nil)

	default:
		return fmt.Errorf("unknown configuration keyword %q, line %d", word, lineNumber)
	}
}

func (line *optionLine) skipSpace() {
	for line.pos < len(line.line) && unicode.IsSpace(rune(line.line[line.pos])) {
		line.pos++
	}
}

func (line *optionLine) isEOL() bool {
	if line.pos >= len(line.line) {
		return true
	}
	return line.line[line.pos] == '#'
}

func (line *optionLine) parseWord() string {
	line.skipSpace()
	if line.isEOL() {
		return ""
	}
	word := ""
	for !line.isEOL() {
		by := line.line[line.pos]
		if !unicode.IsLetter(rune(by)) && !unicode.IsNumber(rune(by)) {
			break
		}
		word += string(by)
		line.pos++
	}
	return strings.ToUpper(word)
}

func (line *optionLine) parseValue() string {
	line.skipSpace()
	if line.isEOL() {
		return ""
	}
	value := ""
	for !line.isEOL() {
		by := line.line[line.pos]
		if unicode.IsSpace(rune(by)) || by == ',' {
			break
		}
		value += string(by)
		line.pos++
	}
	return value
}

func (line *optionLine) parseOptions() ([]Option, error) {
	var opts []Option
	for {
		line.skipSpace()
		if line.isEOL() {
			break
		}
		name := ""
		for !line.isEOL() {
			by := line.line[line.pos]
			if unicode.IsSpace(rune(by)) || by == '=' || by == ',' {
				break
			}
			name += string(by)
			line.pos++
		}
		if name == "" {
			return nil, fmt.Errorf("invalid option syntax, line %d", lineNumber)
		}
		opt := Option{Name: name}
		if !line.isEOL() && line.line[line.pos] == '=' {
			line.pos++
			opt.EqualOpt = line.parseValue()
		}
		opts = append(opts, opt)
		line.skipSpace()
		if !line.isEOL() && line.line[line.pos] == ',' {
			line.pos++
		}
	}
	return opts, nil
}
