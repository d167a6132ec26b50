package logging

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer

	log, err := New("debug", &buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("node", "node-1").Debug("partitioned")
	assert.Contains(t, buf.String(), "node=node-1")
	assert.Contains(t, buf.String(), "partitioned")

	_, err = New("loud", &buf)
	assert.Error(t, err)
}

func TestDiscard(t *testing.T) {
	log := Discard()
	assert.Equal(t, io.Discard, log.Out)
	assert.Equal(t, logrus.PanicLevel, log.GetLevel())
	assert.NotPanics(t, func() { log.WithField("a", 1).Error("dropped") })
}
