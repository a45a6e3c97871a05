package cli

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCmd(got *string) *cobra.Command {
	cmd := &cobra.Command{
		Use: "linkdht",
		RunE: func(cmd *cobra.Command, args []string) error {
			*got = viper.GetString("moniker")
			return nil
		},
	}
	cmd.Flags().String("moniker", "default", "node name")
	return cmd
}

func TestConfigFileAndEnvPrecedence(t *testing.T) {
	home, err := ioutil.TempDir("", "linkdht-cli")
	require.NoError(t, err)
	defer os.RemoveAll(home)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "config"), 0700))
	require.NoError(t, ioutil.WriteFile(filepath.Join(home, "config", "config.toml"), []byte(`moniker = "fromfile"`), 0600))

	cases := []struct {
		env  map[string]string
		args []string
		want string
	}{
		{nil, []string{"--home", home}, "fromfile"},
		{map[string]string{"LDTEST_MONIKER": "fromenv"}, []string{"--home", home}, "fromenv"},
		// unprefixed-underscore form is copied over
		{map[string]string{"LDTESTMONIKER": "copied"}, []string{"--home", home}, "copied"},
		{nil, []string{"--home", home, "--moniker", "fromflag"}, "fromflag"},
	}
	for i, tc := range cases {
		viper.Reset()
		for k, v := range tc.env {
			os.Setenv(k, v)
		}

		var got string
		cmd := newTestCmd(&got)
		exec := PrepareBaseCmd(cmd, "LDTEST", "/nonexistent")
		cmd.SetArgs(tc.args)
		require.NoError(t, exec.Execute(), "case %d", i)
		assert.Equal(t, tc.want, got, "case %d", i)

		for k := range tc.env {
			os.Unsetenv(k)
		}
		os.Unsetenv("LDTEST_MONIKER")
	}
}

type codedErr struct{ code int }

func (e codedErr) Error() string { return "coded" }
func (e codedErr) ExitCode() int { return e.code }

func TestExecutorExitCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.New("plain"), 1},
		{codedErr{code: 3}, 3},
	}
	for _, tc := range cases {
		viper.Reset()
		runErr := tc.err
		cmd := &cobra.Command{
			Use:  "linkdht",
			RunE: func(*cobra.Command, []string) error { return runErr },
		}
		exec := PrepareBaseCmd(cmd, "LDTEST", "/nonexistent")
		code := -1
		exec.Exit = func(c int) { code = c }
		cmd.SetArgs([]string{})

		assert.Equal(t, tc.err, exec.Execute())
		assert.Equal(t, tc.code, code)
	}
}
