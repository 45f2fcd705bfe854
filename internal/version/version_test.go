package version

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestString(t *testing.T) {
	defer func(pre, build string) { PreRelease, BuildMetadata = pre, build }(PreRelease, BuildMetadata)

	PreRelease, BuildMetadata = "rc1", "abc.def"
	require.Equal(t, "0.13.8-rc1+abc.def", String())

	// Invalid characters are dropped.
	PreRelease, BuildMetadata = "r.c!", ""
	require.Equal(t, "0.13.8-rc", String())

	require.Equal(t, "/jnoded:0.13.8/", UserAgent())
}
