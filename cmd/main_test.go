package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/satriahrh/callbridge/internal/config"
)

func TestRunReturnsStartupErrors(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	cfg := config.Default()
	cfg.Mongo.URI = "not-a-mongodb-uri"

	err := run(cfg, zap.New(core))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to mongodb")
	assert.Zero(t, logs.FilterMessage("Server started").Len())
}
