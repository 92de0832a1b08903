package tpool

import (
	"os"

	jsoniter "github.com/json-iterator/go"
)

// ConvertJSONFileToConfig opens a file.json and converts to PoolSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*PoolSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &PoolSeasoning{}
	var json = jsoniter.ConfigFastest
	if err = json.Unmarshal(byteValue, config); err != nil {
		return nil, err
	}

	if config.PoolConfig == nil {
		config.PoolConfig = DefaultPoolConfig()
	}

	return config, nil
}
