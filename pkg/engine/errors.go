package engine

import "github.com/cuemby/logkv/pkg/ekind"

func errInvalidConfig(msg string) error {
	return ekind.New(ekind.InvalidConfig, msg)
}

func errDatabaseNotFound(msg string) error {
	return ekind.New(ekind.DatabaseNotFound, msg)
}
