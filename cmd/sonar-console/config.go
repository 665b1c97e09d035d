package main

import (
	"io/ioutil"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// portConfig is the optional on-disk default for --port/--baud, so a
// console user working against one fixed device doesn't have to repeat
// both flags on every invocation.
type portConfig struct {
	Port string `json:"port"`
	Baud uint   `json:"baud"`
}

var jsonCfg = jsoniter.ConfigCompatibleWithStandardLibrary

func loadPortConfig(path string) (*portConfig, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var cfg portConfig
	if err := jsonCfg.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}
