package log

import (
	"bytes"
	"strings"
	"testing"

	is2 "github.com/matryer/is"
)

func Test_Prefix(t *testing.T) {
	is := is2.New(t)
	stdoutBuffer := bytes.NewBuffer(nil)
	stderrBuffer := bytes.NewBuffer(nil)
	l := NewWithPrefix(stdoutBuffer, stderrBuffer, "myprefix")
	l.Info("test")
	is.True(stdoutBuffer.Len() > 0) // info goes to stdout
	logBuffer := stdoutBuffer.String()
	is.True(strings.Contains(logBuffer, "myprefix")) // prefix is in the output
	is.True(strings.Contains(logBuffer, "test"))
	is.Equal(stderrBuffer.Len(), 0)
}

func Test_Loglevel(t *testing.T) {
	stdoutBuffer := bytes.NewBuffer(nil)
	stderrBuffer := bytes.NewBuffer(nil)
	l := NewWithPrefix(stdoutBuffer, stderrBuffer, "myprefix")
	l.Trace("trace-message")
	if stdoutBuffer.Len() != 0 {
		t.Errorf("trace level: expected stdout buffer to be empty")
	}
	if stderrBuffer.Len() != 0 {
		t.Errorf("trace level: expected stderr buffer to be empty")
	}
	l.Debug("debug-message")
	if stdoutBuffer.Len() != 0 {
		t.Errorf("debug level: expected stdout buffer to be empty")
	}
	if stderrBuffer.Len() != 0 {
		t.Errorf("debug level: expected stderr buffer to be empty")
	}
	// now we output info and we expect it to be in stdout:
	l.Info("info-message")
	if stdoutBuffer.Len() == 0 {
		t.Errorf("info level: expected stdout buffer to not be empty")
	}
	currentStdoutSize := stdoutBuffer.Len()
	if stderrBuffer.Len() != 0 {
		t.Errorf("info level: expected stderr buffer to be empty")
	}
	// warn goes to stderr:
	l.Warn("warn-message")
	if stdoutBuffer.Len() != currentStdoutSize {
		t.Errorf("warn level: expected stdout buffer to not change")
	}
	if stderrBuffer.Len() == 0 {
		t.Errorf("warn level: expected stderr buffer to not be empty")
	}
	currentStderrSize := stderrBuffer.Len()
	l.Error("error-message")
	if stdoutBuffer.Len() != currentStdoutSize {
		t.Errorf("error level: expected stdout buffer to not change")
	}
	if stderrBuffer.Len() == currentStderrSize {
		t.Errorf("error level: expected stderr buffer to change")
	}
}

func Test_ChildSharesLevel(t *testing.T) {
	is := is2.New(t)
	out := bytes.NewBuffer(nil)
	parent := NewLogger(out, out)
	child := parent.WithField("link", "consumer")
	child.Debug("hidden")
	is.Equal(out.Len(), 0)
	parent.SetLevel(DebugLevel)
	child.Debug("visible")
	is.True(strings.Contains(out.String(), "visible"))
	is.True(strings.Contains(out.String(), "link=consumer"))
}

func Test_SetLevelFromString(t *testing.T) {
	is := is2.New(t)
	l := Discard()
	is.NoErr(l.SetLevelFromString("trace"))
	is.Equal(l.Level(), TraceLevel)
	is.NoErr(l.SetLevelFromString(""))
	is.Equal(l.Level(), InfoLevel)
	is.True(l.SetLevelFromString("chatty") != nil)
	is.Equal(l.Level(), InfoLevel) // unchanged on error
}

func Test_Printer(t *testing.T) {
	is := is2.New(t)
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	l := NewLogger(stdout, stderr)
	l.Printer(ErrorLevel).Printf("broker said %s", "no")
	l.Printer(DebugLevel).Println("not shown")
	is.True(strings.Contains(stderr.String(), "broker said no"))
	is.Equal(stdout.Len(), 0)
}
