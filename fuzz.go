// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package boxtin

// Fuzz exercises NewBytes/Redefine against arbitrary input, the class-file
// equivalent of the teacher's PE-parser fuzz target: any input either fails
// to parse cleanly or round-trips through Redefine without panicking.
func Fuzz(data []byte) int {
	f, err := NewBytes(data, nil)
	if err != nil {
		return 0
	}
	if _, err := f.Redefine(); err != nil {
		return 0
	}
	return 1
}
