package logging

import (
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// SourceFormatter adds the caller as file:line and delegates the rest.
type SourceFormatter struct {
	Underlying logrus.Formatter
	// AddSpace appends a blank line after every entry.
	AddSpace bool
}

func (f *SourceFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	if entry.HasCaller() {
		entry.Data["source"] = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	formatted, err := f.Underlying.Format(entry)
	if err != nil {
		return nil, err
	}
	if f.AddSpace {
		return append(formatted, '\n'), nil
	}
	return formatted, nil
}
