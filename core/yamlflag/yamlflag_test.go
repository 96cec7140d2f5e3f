package yamlflag_test

import (
	"errors"
	"flag"
	"testing"

	"github.com/usnistgov/l2reflector/core/testenv"
	"github.com/usnistgov/l2reflector/core/yamlflag"
)

var makeAR = testenv.MakeAR

type sampleConfig struct {
	Device string `yaml:"device" json:"device"`
	Depth  int    `yaml:"depth" json:"depth"`
}

func TestInline(t *testing.T) {
	assert, require := makeAR(t)

	var cfg sampleConfig
	var fs flag.FlagSet
	fs.Var(yamlflag.New(&cfg, nil), "cfg", "")
	require.NoError(fs.Parse([]string{"-cfg", "device: mlx5_0\ndepth: 7\n"}))
	assert.Equal("mlx5_0", cfg.Device)
	assert.Equal(7, cfg.Depth)
	assert.Equal(`{"device":"mlx5_0","depth":7}`, fs.Lookup("cfg").Value.String())
}

func TestFile(t *testing.T) {
	assert, require := makeAR(t)

	dir := testenv.TempDir(t)
	filename := testenv.WriteFile(t, dir, "cfg.yaml", "device: mlx5_1\n")

	var cfg sampleConfig
	require.NoError(yamlflag.Load("@"+filename, &cfg, nil))
	assert.Equal("mlx5_1", cfg.Device)

	assert.Error(yamlflag.Load("@"+filename+".missing", &cfg, nil))
}

func TestValidator(t *testing.T) {
	assert, _ := makeAR(t)

	errRejected := errors.New("rejected")
	var seen any
	validate := func(doc any) error {
		seen = doc
		if m, ok := doc.(map[string]any); ok && m["depth"] == 99 {
			return errRejected
		}
		return nil
	}

	var cfg sampleConfig
	assert.NoError(yamlflag.Load("depth: 3", &cfg, validate))
	assert.Equal(map[string]any{"depth": 3}, seen)
	assert.ErrorIs(yamlflag.Load("depth: 99", &cfg, validate), errRejected)
	assert.Equal(3, cfg.Depth)
}
