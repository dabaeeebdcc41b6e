// internal/config/flag_ext.go
package config

import (
	"strconv"
	"time"
)

type strFlag struct {
	v   string
	set bool
}

func (f *strFlag) String() string     { return f.v }
func (f *strFlag) Set(s string) error { f.v, f.set = s, true; return nil }

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return "" }
func (f *intFlag) Set(s string) error {
	i, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v, f.set = i, true
	return nil
}

type floatFlag struct {
	v   float64
	set bool
}

func (f *floatFlag) String() string { return "" }
func (f *floatFlag) Set(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

// durFlag accepts Go durations ("30s") or plain seconds ("30").
type durFlag struct {
	v   time.Duration
	set bool
}

func (f *durFlag) String() string { return "" }
func (f *durFlag) Set(s string) error {
	d, err := parseDuration(s)
	if err != nil {
		return err
	}
	f.v, f.set = d, true
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if sec, err := strconv.Atoi(s); err == nil {
		return time.Duration(sec) * time.Second, nil
	}
	return time.ParseDuration(s)
}
