package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/vstore/pkg/vstore"
)

// argParsers checks the arguments of each registered job name without
// building the job.
var argParsers = map[string]func(args []string) error{
	CleanupJobName: func(args []string) error {
		_, _, err := ParseCleanupArgs(args)
		return err
	},
	EventsJobName: func(args []string) error {
		_, err := ParseEventsArgs(args)
		return err
	},
}

// ValidateArgs checks a job name and its arguments before any dependency is
// built. An unknown name yields ErrJobNotFound, bad arguments an
// ArgumentError.
func ValidateArgs(name string, args []string) error {
	parse, ok := argParsers[name]
	if !ok {
		return fmt.Errorf("%w: %s", vstore.ErrJobNotFound, name)
	}
	return parse(args)
}

// ParseCleanupArgs parses <batchSize> <delay>
func ParseCleanupArgs(args []string) (batchSize int, delay time.Duration, err error) {
	if err := checkArity(CleanupJobName, args, "<batchSize>", "<delay>"); err != nil {
		return 0, 0, err
	}
	if batchSize, err = parseBatchSize(CleanupJobName, args[0]); err != nil {
		return 0, 0, err
	}
	if delay, err = parseDelay(CleanupJobName, args[1]); err != nil {
		return 0, 0, err
	}
	return batchSize, delay, nil
}

// ParseEventsArgs parses <mode>
func ParseEventsArgs(args []string) (string, error) {
	if err := checkArity(EventsJobName, args, "<mode>"); err != nil {
		return "", err
	}
	switch args[0] {
	case ModeVersions, ModeBinaries:
		return args[0], nil
	default:
		return "", invalidMode(args[0])
	}
}

func invalidMode(mode string) error {
	return &vstore.ArgumentError{
		Job:   EventsJobName,
		Arg:   "mode",
		Value: mode,
		Err:   fmt.Errorf("expected %s or %s", ModeVersions, ModeBinaries),
	}
}

func checkArity(job string, args []string, usage ...string) error {
	if len(args) == len(usage) {
		return nil
	}
	return &vstore.ArgumentError{
		Job:   job,
		Arg:   "args",
		Value: strings.Join(args, " "),
		Err:   errors.New("expected " + strings.Join(usage, " ")),
	}
}

func parseBatchSize(job, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &vstore.ArgumentError{Job: job, Arg: "batchSize", Value: value, Err: err}
	}
	if n <= 0 {
		return 0, &vstore.ArgumentError{Job: job, Arg: "batchSize", Value: value, Err: errors.New("must be positive")}
	}
	return n, nil
}

// parseDelay accepts whole seconds ("30") or a duration ("1m30s").
func parseDelay(job, value string) (time.Duration, error) {
	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else {
		d, err = time.ParseDuration(value)
		if err != nil {
			return 0, &vstore.ArgumentError{Job: job, Arg: "delay", Value: value, Err: err}
		}
	}
	if d < 0 {
		return 0, &vstore.ArgumentError{Job: job, Arg: "delay", Value: value, Err: errors.New("must not be negative")}
	}
	return d, nil
}
