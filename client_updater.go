package oscilock

// Contains the client updater, which publishes JSON-encoded messages giving
// the latest Oscilock state and the per-cycle lock-in estimates.

import (
	"encoding/json"
	"fmt"
	"strings"

	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
)

// ClientUpdate carries a state message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// NewClientUpdate packages a tagged state object for publication.
func NewClientUpdate(tag string, state interface{}) ClientUpdate {
	return ClientUpdate{tag: tag, state: state}
}

// Tags that should have their latest state persisted in the config file, so
// a restarted daemon comes back with the last-used settings.
var savedUpdateTags = map[string]string{
	"SCOPE":  "scope",
	"LOCKIN": "lockin",
	"SOURCE": "source",
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket as a two-frame (tag, JSON body) message, until abort is closed.
// Updates for configuration tags are also mirrored into the config file.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status PUB socket to %s: %v", hostname, err)
		return
	}

	nSaved := 0
	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			body, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not marshal %q update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, body); err != nil {
				ProblemLogger.Printf("could not publish %q update: %v", update.tag, err)
			}

			if key, ok := savedUpdateTags[strings.ToUpper(update.tag)]; ok {
				viper.Set(key, update.state)
				// WriteConfig on every estimate would thrash the disk;
				// config tags are rare, so write-through is fine.
				if err := viper.WriteConfig(); err != nil && nSaved == 0 {
					ProblemLogger.Printf("could not save config: %v", err)
					nSaved++
				}
			}
		}
	}
}
