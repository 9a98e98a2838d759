// Copyright (c) The Thanos Authors.
// Licensed under the Apache License 2.0.

// Package runutil closes response and request bodies without losing errors.
//
// Close errors are logged rather than dropped:
//
//	defer runutil.CloseWithLogOnErr(logger, resp.Body, "close upstream response")
//
// The Exhaust variants read the body to the end before closing it, which
// lets net/http put the connection back into the keep-alive pool.
// ReadAllAndClose buffers a body so that it can be replayed later.
package runutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	pkgerrors "github.com/pkg/errors"
)

// CloseWithLogOnErr is making sure we log every error, even those from best effort tiny closers.
func CloseWithLogOnErr(logger log.Logger, closer io.Closer, format string, a ...interface{}) {
	err := closer.Close()
	if err == nil {
		return
	}

	// Not a problem if it has been closed already.
	if errors.Is(err, os.ErrClosed) {
		return
	}

	if logger == nil {
		logger = log.NewLogfmtLogger(os.Stderr)
	}

	level.Warn(logger).Log("msg", "detected close error", "err", pkgerrors.Wrap(err, fmt.Sprintf(format, a...)))
}

// ExhaustCloseWithLogOnErr closes the io.ReadCloser with a log message on error but exhausts the reader before.
func ExhaustCloseWithLogOnErr(logger log.Logger, r io.ReadCloser, format string, a ...interface{}) {
	if _, err := io.Copy(io.Discard, r); err != nil && logger != nil {
		level.Warn(logger).Log("msg", "failed to exhaust reader, performance may be impeded", "err", err)
	}

	CloseWithLogOnErr(logger, r, format, a...)
}

// ReadAllAndClose reads at most limit bytes from r, drains and closes it,
// and returns a replayable copy of what was read.
func ReadAllAndClose(logger log.Logger, r io.ReadCloser, limit int64) (io.ReadCloser, []byte, error) {
	defer ExhaustCloseWithLogOnErr(logger, r, "close buffered body")

	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "read body")
	}
	return io.NopCloser(bytes.NewReader(data)), data, nil
}
