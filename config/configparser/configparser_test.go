/*
 * x86core - Configuration file parser test set.
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

package configparser

import "testing"

var (
	testValue   string
	testType    string
	testOptions []Option
)

func resetTest() {
	testValue = "error"
	testType = ""
	testOptions = nil
}

func cleanUpConfig() {
	keywords = map[string]keywordDef{}
	resetTest()
}

func modSwitch(value string, opts []Option) error {
	testType = "switch"
	testValue = value
	testOptions = opts
	return nil
}

func modOption(value string, opts []Option) error {
	testType = "option"
	testValue = value
	testOptions = opts
	return nil
}

func modOptions(value string, opts []Option) error {
	testType = "options"
	testValue = value
	testOptions = opts
	return nil
}

func TestRegisterSwitch(t *testing.T) {
	cleanUpConfig()
	RegisterSwitch("nx", modSwitch)

	line := optionLine{line: "nx"}
	if err := line.parseLine(); err != nil {
		t.Errorf("unable to parse switch: %v", err)
	}
	if testType != "switch" {
		t.Errorf("did not dispatch to switch handler")
	}
}

func TestRegisterOption(t *testing.T) {
	cleanUpConfig()
	RegisterOption("memsize", modOption)

	line := optionLine{line: "memsize 64M"}
	if err := line.parseLine(); err != nil {
		t.Errorf("unable to parse option: %v", err)
	}
	if testType != "option" || testValue != "64M" {
		t.Errorf("option not parsed correctly: %q %q", testType, testValue)
	}
}

func TestUnknownKeyword(t *testing.T) {
	cleanUpConfig()
	RegisterOption("memsize", modOption)

	line := optionLine{line: "bogus 1"}
	if err := line.parseLine(); err == nil {
		t.Errorf("unknown keyword should have failed")
	}
}

func TestSwitchRejectsValue(t *testing.T) {
	cleanUpConfig()
	RegisterSwitch("nx", modSwitch)

	line := optionLine{line: "nx enabled"}
	if err := line.parseLine(); err == nil {
		t.Errorf("switch with trailing value should have failed")
	}
}

func TestComment(t *testing.T) {
	cleanUpConfig()
	RegisterSwitch("nx", modSwitch)

	line := optionLine{line: "nx   # enable NX enforcement"}
	if err := line.parseLine(); err != nil {
		t.Errorf("comment after switch should be ignored: %v", err)
	}
	if testType != "switch" {
		t.Errorf("did not dispatch to switch handler")
	}
}

func TestOptionsList(t *testing.T) {
	cleanUpConfig()
	RegisterOptions("mode", modOptions)

	line := optionLine{line: "mode long  pcid, smep smap=on"}
	if err := line.parseLine(); err != nil {
		t.Errorf("unable to parse options line: %v", err)
	}
	if testType != "options" || testValue != "long" {
		t.Errorf("options keyword not dispatched: %q %q", testType, testValue)
	}
	if len(testOptions) != 3 {
		t.Fatalf("expected 3 options, got %d", len(testOptions))
	}
	if testOptions[0].Name != "pcid" {
		t.Errorf("first option wrong: %+v", testOptions[0])
	}
	if testOptions[1].Name != "smep" {
		t.Errorf("second option wrong: %+v", testOptions[1])
	}
	if testOptions[2].Name != "smap" || testOptions[2].EqualOpt != "on" {
		t.Errorf("third option wrong: %+v", testOptions[2])
	}
}

func TestEqualOptionValue(t *testing.T) {
	cleanUpConfig()
	RegisterOptions("mode", modOptions)

	resetTest()
	line := optionLine{line: `mode long  label=name`}
	if err := line.parseLine(); err != nil {
		t.Errorf("unable to parse equal option: %v", err)
	}
	if len(testOptions) != 1 || testOptions[0].EqualOpt != "name" {
		t.Errorf("equal option not parsed: %+v", testOptions)
	}
}
