// Copyright 2016 The Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"errors"
	"fmt"
	"testing"
)

func TestLogLevel(t *testing.T) {
	const level = "info"
	setFakeLogger("hello world")

	if err := SetLevel(level); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if Level() != level {
		t.Fatalf("Level() = %q, want %q", Level(), level)
	}
	Debug.Printf("not logged")       // below currentLevel, dropped
	Info.Printf("hello %s", "world") // logged

	defaultLogger.(*fakeLogger).Verify(t)
}

func TestDisable(t *testing.T) {
	setFakeLogger("")
	SetLevel("disabled")
	Error.Printf("important stuff you'll miss")
	defaultLogger.(*fakeLogger).Verify(t)
}

func TestOpf(t *testing.T) {
	setFakeLogger("txlog: Log.Open: disk full")
	SetLevel("error")
	Error.Opf("txlog", "Log.Open", errors.New("disk full"))
	defaultLogger.(*fakeLogger).Verify(t)
}

func setFakeLogger(expected string) {
	defaultLogger = &fakeLogger{expected: expected}
}

type fakeLogger struct {
	logged   string
	expected string
}

func (ml *fakeLogger) Printf(format string, v ...interface{}) {
	ml.logged += fmt.Sprintf(format, v...)
}

func (ml *fakeLogger) Verify(t *testing.T) {
	if ml.logged != ml.expected {
		t.Errorf("logged = %q, want %q", ml.logged, ml.expected)
	}
}
