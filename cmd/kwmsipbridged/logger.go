/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package main

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type logFileOptions struct {
	Filename   string
	MaxSize    int
	MaxBackups int
}

func newLogger(disableTimestamp bool, logLevelString string, logFile *logFileOptions) (logrus.FieldLogger, error) {
	logLevel, err := logrus.ParseLevel(logLevelString)
	if err != nil {
		return nil, err
	}

	// Always stderr, stdout is reserved for the stdio host transport.
	var out io.Writer = os.Stderr
	if logFile != nil && logFile.Filename != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile.Filename,
			MaxSize:    logFile.MaxSize,
			MaxBackups: logFile.MaxBackups,
		})
	}

	return &logrus.Logger{
		Out: out,
		Formatter: &logrus.TextFormatter{
			DisableTimestamp: disableTimestamp,
		},
		Level: logLevel,
	}, nil
}
