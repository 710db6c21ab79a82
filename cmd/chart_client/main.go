// Command chart_client subscribes to one channel on a running streaming server
// and prints every bar it receives. It is meant for checking a deployment
// from a terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/supermancell/bitquery-chart/internal/candle"
	"github.com/supermancell/bitquery-chart/internal/config"
	"github.com/supermancell/bitquery-chart/internal/market"
	"github.com/supermancell/bitquery-chart/internal/wshub"
)

func main() {
	cfg := config.LoadFromEnv(config.Root())

	addr := flag.String("addr", fmt.Sprintf("ws://%s:%d/", cfg.Host, cfg.WSPort), "streaming server URL")
	network := flag.String("network", "eth", "network")
	token := flag.String("token", "", "token contract address")
	interval := flag.Int("interval", 60, "bar interval in seconds")
	flag.Parse()

	ch, err := market.NewChannel(*network, *token, *interval)
	if err != nil {
		log.WithError(err).Fatal("Invalid channel")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *addr, nil)
	if err != nil {
		log.WithError(err).WithField("addr", *addr).Fatal("Failed to connect to streaming server")
	}
	defer conn.Close()
	log.WithField("addr", *addr).Info("Connected to streaming server")

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	if err := conn.WriteJSON(wshub.Message{
		Type:    wshub.MessageTypeSubscribe,
		ID:      uuid.NewString(),
		Channel: ch.Key(),
	}); err != nil {
		log.WithError(err).Fatal("Failed to subscribe")
	}

	for {
		var msg wshub.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("Connection lost")
			}
			return
		}
		switch msg.Type {
		case wshub.MessageTypeSubscribed:
			log.WithFields(log.Fields{"channel": msg.Channel, "cached_bars": len(msg.Bars)}).Info("Subscribed")
			for _, bar := range msg.Bars {
				printBar(msg.Channel, bar)
			}
		case wshub.MessageTypeBar:
			if msg.Bar != nil {
				printBar(msg.Channel, *msg.Bar)
			}
		case wshub.MessageTypePing:
			conn.WriteJSON(wshub.Message{Type: wshub.MessageTypePong})
		case wshub.MessageTypeError:
			log.WithField("channel", msg.Channel).Warn(msg.Error)
		}
	}
}

func printBar(channel string, bar candle.Bar) {
	fmt.Printf("%s %s O=%g H=%g L=%g C=%g V=%g\n",
		channel, time.UnixMilli(bar.Time).UTC().Format(time.RFC3339),
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
}
