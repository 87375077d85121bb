package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/viper"

	"poolmachine/database"
	"poolmachine/escrow/conductor"
	"poolmachine/messaging/relay"
	"poolmachine/poolmachine"
)

func main() {
	deadlock.Opts.DisableLockOrderDetection = true
	deadlock.Opts.DeadlockTimeout = time.Millisecond * 30000

	// Various aspects of the engine require global and local settings, they live in a Viper configuration.
	conf := viper.New()
	poolmachine.InitConfig(conf)
	poolmachine.SetConfig(conf)
	poolmachine.SetLogLevel(conf.GetInt("logLevel"))
	if conf.GetBool("devMode") {
		deadlock.Opts.Disable = true
	}

	wallet, err := poolmachine.LoadOrCreateWallet(conf.GetString("rootDir") + "wallet.dat")
	if err != nil {
		poolmachine.LogCLI(err.Error(), 0)
		os.Exit(1)
	}
	// a fresh install administers and operates itself until configured otherwise
	if conf.GetString("admin") == "" {
		conf.Set("admin", wallet.Account)
	}
	if conf.GetString("operator") == "" {
		conf.Set("operator", wallet.Account)
	}

	// the terminator channel blocks until shutdown, anything requiring a clean shutdown should
	// wait on this channel and clean up when it stops blocking.
	terminator := make(chan struct{})

	// anything requiring a clean shutdown adds to this waitgroup and removes itself once it has
	// cleanly shut down.
	wg := &sync.WaitGroup{}

	// interrupt: see cliListener
	interrupt := make(chan struct{})
	poolmachine.RegisterShutdownChan(interrupt)

	engine, err := start(terminator, wg, conf, wallet)
	if err != nil {
		poolmachine.LogCLI(err.Error(), 0)
		os.Exit(1)
	}
	go cliListener(engine, wallet)

	poolmachine.LogCLI("Waiting for terminate signal, press q to quit", 4)
	<-interrupt
	conf.Set("firstRun", false)
	if err := conf.WriteConfig(); err != nil {
		poolmachine.LogCLI(err.Error(), 3)
	}
	close(terminator)
	wg.Wait()
	os.Exit(0)
}

// start brings up the conductor and then the relay in front of it.
func start(terminator chan struct{}, wg *sync.WaitGroup, conf *viper.Viper, wallet poolmachine.Wallet) (*conductor.Engine, error) {
	config, err := conductor.LoadConfig(conf)
	if err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	store, err := database.New(conf.GetString("rootDir") + conf.GetString("flatFileDir"))
	if err != nil {
		return nil, err
	}
	engine := conductor.New(config, conductor.Options{
		Store:  store,
		Mirror: conductor.NewStoreMirror(store),
	})
	if err := engine.Start(terminator, wg); err != nil {
		return nil, err
	}
	if err := relay.New(engine, wallet, conf.GetString("websocketAddr")).Start(terminator, wg); err != nil {
		return nil, err
	}
	return engine, nil
}
