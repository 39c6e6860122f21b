package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSQLPlaceholders(t *testing.T) {
	orig := DispatcherDriver
	defer func() { DispatcherDriver = orig }()

	query := "UPDATE outbox_messages SET status = $1 WHERE id = $2 AND attempts < $10"

	DispatcherDriver = "postgres"
	assert.Equal(t, query, SQLPlaceholders(query))

	DispatcherDriver = "mysql"
	assert.Equal(t,
		"UPDATE outbox_messages SET status = ? WHERE id = ? AND attempts < ?",
		SQLPlaceholders(query))
}
