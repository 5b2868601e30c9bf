/*
 * x86core - CPU core
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

package core

import (
	"fmt"
	"strconv"

	"github.com/rcornwell/x86core/config/configparser"
	"github.com/rcornwell/x86core/translate"
)

func init() {
	configparser.RegisterOption("TIER1MAXINSTS", setTier1MaxInsts)
	configparser.RegisterOption("TIER1MAXBYTES", setTier1MaxBytes)
}

var pendingLimits = translate.DefaultLimits

func setTier1MaxInsts(value string, _ []configparser.Option) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid TIER1MAXINSTS %q: must be a positive integer", value)
	}
	pendingLimits.MaxInsts = n
	return nil
}

func setTier1MaxBytes(value string, _ []configparser.Option) error {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fmt.Errorf("invalid TIER1MAXBYTES %q: must be a positive integer", value)
	}
	pendingLimits.MaxBytes = n
	return nil
}

// currentLimits returns the Tier-1 block-formation limits last set via the
// TIER1MAXINSTS/TIER1MAXBYTES configuration keywords, or translate's
// defaults if neither was loaded.
func currentLimits() translate.Limits {
	return pendingLimits
}
