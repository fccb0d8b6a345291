package kv

import "github.com/cockroachdb/errors"

func errUnknownScheme(scheme string) error {
	return errors.Newf("kv: unknown store scheme %q", scheme)
}
