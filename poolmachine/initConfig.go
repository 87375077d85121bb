package poolmachine

import (
	"os"

	"github.com/spf13/viper"
)

// InitConfig sets up our Viper config object
func InitConfig(config *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		LogCLI(err.Error(), 0)
	}
	config.SetDefault("rootDir", homeDir+"/poolmachine/")
	config.SetConfigType("yaml")
	config.SetConfigFile(config.GetString("rootDir") + "config.yaml")
	err = config.ReadInConfig()
	if err != nil {
		LogCLI(err.Error(), 4)
	}
	SetDefaults(config)
	// Create our working directory and config file if not exist
	initRootDir(config)
	if err := Touch(config.GetString("rootDir") + "config.yaml"); err != nil {
		LogCLI(err.Error(), 1)
	}
	err = config.WriteConfig()
	if err != nil {
		LogCLI(err.Error(), 0)
	}
}

// SetDefaults registers every engine setting with its default value.
func SetDefaults(config *viper.Viper) {
	config.SetDefault("firstRun", true)
	config.SetDefault("flatFileDir", "data/")
	config.SetDefault("logLevel", 4)
	config.SetDefault("devMode", false)
	config.SetDefault("websocketAddr", "127.0.0.1:1032")
	config.SetDefault("admin", "")
	config.SetDefault("operator", "")
	config.SetDefault("treasury", "treasury")
	config.SetDefault("creationFee", int64(1000))
	config.SetDefault("maxPoolsPerCreator", 5)
	config.SetDefault("votingPeriod", "168h")
	config.SetDefault("maxRejections", 3)
	config.SetDefault("cancelSupermajorityBps", int64(6667))
	config.SetDefault("mirrorBuffer", 1024)
	config.SetDefault("mirrorWait", "5s")
	config.SetDefault("bloomCapacity", 100000)
}

func initRootDir(conf *viper.Viper) {
	_, err := os.Stat(conf.GetString("rootDir"))
	if os.IsNotExist(err) {
		err = os.MkdirAll(conf.GetString("rootDir"), 0755)
		if err != nil {
			LogCLI(err, 0)
		}
	}
}
