package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4317", stripScheme("http://collector:4317"))
	assert.Equal(t, "collector:4317", stripScheme("https://collector:4317"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
	assert.Equal(t, "http://", stripScheme("http://"))
}

func TestTracerIsUsableWithoutSetup(t *testing.T) {
	assert.NotNil(t, Tracer())
}
