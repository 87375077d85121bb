package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/eiannone/keyboard"

	"poolmachine/escrow/conductor"
	"poolmachine/poolmachine"
)

// cliListener listens for keypresses and dumps engine state.
func cliListener(engine *conductor.Engine, wallet poolmachine.Wallet) {
	fmt.Println("Press:\nq: to quit\np: to print pools\nh: to print state hashes\nt: to print templates and strategies\nl: to print the custody journal\nw: to print your wallet\nx: to toggle the emergency pause\nSee cliListener.go for more")
	for {
		r, k, err := keyboard.GetSingleKey()
		if err != nil {
			poolmachine.LogCLI(err.Error(), 1)
			return
		}
		switch string(r) {
		default:
			if k == keyboard.KeyEnter {
				fmt.Println("\n-----------------------------------")
				break
			}
			if r == 0 {
				break
			}
			fmt.Println("Key " + string(r) + " is not bound to anything. See cliListener.go for more details.")
		case "q":
			poolmachine.LogCLI("User requested to terminate", 4)
			poolmachine.Shutdown()
			return
		case "p":
			for _, p := range engine.Pools() {
				rec, _ := engine.Registry().Get(p.ID())
				fmt.Printf("\n%s %s [%s]\n", p.ID(), rec.Slug, p.Status())
				spew.Dump(p.Stats(), p.ContributionSummary())
			}
		case "m":
			for _, p := range engine.Pools() {
				fmt.Printf("\n%s\n", p.ID())
				spew.Dump(p.Milestones())
			}
		case "h":
			for _, h := range engine.StateHashes() {
				fmt.Printf("%s %d %s\n", h.Component, h.Sequence, h.Hash)
			}
		case "t":
			spew.Dump(engine.Factory().Templates(), engine.Catalog().List())
		case "l":
			spew.Dump(engine.Ledger().Journal(0))
		case "w":
			fmt.Printf("\nWallet: %s\nAdmin: %s\nOperator: %s\nLogic: v%d\n", wallet.Account, engine.Admin(), engine.Operator(), engine.LogicVersion())
		case "x":
			if err := engine.SetPaused(wallet.Account, !engine.Paused()); err != nil {
				poolmachine.LogCLI(err.Error(), 2)
			}
		}
	}
}
