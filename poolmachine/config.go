package poolmachine

import (
	"os"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"
)

var conf *viper.Viper

func MakeOrGetConfig() *viper.Viper {
	if conf == nil {
		conf = viper.New()
	}
	return conf
}

func SetConfig(config *viper.Viper) {
	conf = config
}

var shutdown chan struct{}
var shutdownMutex = &deadlock.Mutex{}

func RegisterShutdownChan(c chan struct{}) {
	shutdownMutex.Lock()
	defer shutdownMutex.Unlock()
	shutdown = c
}

// Shutdown closes the registered shutdown channel once and gives the process two minutes to
// persist state before it is killed.
func Shutdown() {
	shutdownMutex.Lock()
	defer shutdownMutex.Unlock()
	if shutdown == nil {
		return
	}
	select {
	case <-shutdown:
		return
	default:
		close(shutdown)
	}
	go func() {
		time.Sleep(time.Second * 120)
		println("Something didn't shutdown cleanly, pool state on disk may be stale.")
		os.Exit(1)
	}()
}
