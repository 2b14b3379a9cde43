package redislocker

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReleaseFailed_LogsErrorField(t *testing.T) {
	// GIVEN: A locker logging JSON into a buffer
	// WHEN: A release fails, and another finds its lock already expired
	// THEN: Only the failure is logged, with the error in its own field

	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	l := &Locker{logger: logger}

	l.releaseFailed(DefaultPrefix+"campaign:C", errors.New("connection reset"))
	l.releaseFailed(DefaultPrefix+"campaign:D", redislock.ErrLockNotHeld)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, buf.String())
	var fields map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &fields))
	assert.Equal(t, "warning", fields["level"])
	assert.Equal(t, "failed to release redis lock", fields["msg"])
	assert.Equal(t, "connection reset", fields[logrus.ErrorKey])
	assert.Equal(t, DefaultPrefix+"campaign:C", fields["key"])
	assert.Equal(t, "redislocker", fields["component"])
}
