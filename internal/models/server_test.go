package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeValidate(t *testing.T) {
	s := Server{Name: " web ", Host: " 10.0.0.1 ", User: " root ", Group: " prod "}
	s.Normalize()
	require.Equal(t, Server{Name: "web", Host: "10.0.0.1", User: "root", Group: "prod", Port: 22}, s)
	require.NoError(t, s.Validate())

	s.Port = 70000
	require.Error(t, s.Validate())

	require.Error(t, Server{Host: "h", User: "u", Port: 22}.Validate())
}

func TestLabel(t *testing.T) {
	require.Equal(t, "root@db:22", Server{User: "root", Host: "db"}.Label())
	require.Equal(t, "ops@db:2222", Server{User: "ops", Host: "db", Port: 2222}.Label())
}
