package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/phonerelay/pkg/client"
	"github.com/aeolun/phonerelay/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64

	serverErrors   atomic.Int64
	timeouts       atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordServerError() {
	s.messagesFailed.Add(1)
	s.serverErrors.Add(1)
}

func (s *Stats) recordTimeout() {
	s.messagesFailed.Add(1)
	s.timeouts.Add(1)
}

func (s *Stats) recordDisconnection() {
	s.messagesFailed.Add(1)
	s.disconnections.Add(1)
}

func (s *Stats) snapshot() (sent, failed, received, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load()

	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// BotClient is a fake phone that logs in and sends to random peers
type BotClient struct {
	id      int
	phone   string
	conn    *client.Connection
	stats   *Stats
	replies chan *client.Reply
	done    chan struct{}
}

// botPhone derives a deterministic ten digit number for a bot
func botPhone(id int) string {
	return fmt.Sprintf("555%07d", id)
}

func NewBotClient(id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.NewConnection(serverAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	conn.DisableAutoReconnect()
	if err := conn.Connect(); err != nil {
		return nil, err
	}

	bc := &BotClient{
		id:      id,
		phone:   botPhone(id),
		conn:    conn,
		stats:   stats,
		replies: make(chan *client.Reply, 16),
		done:    make(chan struct{}),
	}
	go bc.dispatch()
	return bc, nil
}

// dispatch counts deliveries and forwards every other reply to the sender
func (bc *BotClient) dispatch() {
	defer close(bc.done)
	for {
		select {
		case r, ok := <-bc.conn.Incoming():
			if !ok {
				return
			}
			if r.Type == protocol.TypeReceive {
				bc.stats.messagesReceived.Add(1)
				continue
			}
			select {
			case bc.replies <- r:
			default:
			}
		case <-bc.conn.Errors():
			// Auto-reconnect is off, so any error ends the bot
			return
		}
	}
}

var errTimeout = errors.New("timeout")

func (bc *BotClient) await(timeout time.Duration) (*client.Reply, error) {
	select {
	case r := <-bc.replies:
		return r, nil
	case <-bc.done:
		return nil, client.ErrClosed
	case <-time.After(timeout):
		return nil, errTimeout
	}
}

func (bc *BotClient) Login() error {
	if err := bc.conn.Login(bc.phone); err != nil {
		return err
	}
	r, err := bc.await(5 * time.Second)
	if err != nil {
		return err
	}
	if r.Type != protocol.TypeLoginOK {
		return fmt.Errorf("login rejected: %s", r.Error)
	}
	return nil
}

func (bc *BotClient) SendRandomMessage(numClients int) error {
	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}

	start := time.Now()
	if err := bc.conn.Send(botPhone(rand.Intn(numClients)), strings.Join(words, " "), uuid.NewString()); err != nil {
		bc.stats.recordDisconnection()
		return err
	}

	r, err := bc.await(10 * time.Second)
	switch {
	case errors.Is(err, errTimeout):
		bc.stats.recordTimeout()
		return err
	case err != nil:
		bc.stats.recordDisconnection()
		return err
	case r.Type != protocol.TypeSentOK:
		bc.stats.recordServerError()
		return fmt.Errorf("send failed: %s", r.Error)
	}

	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, numClients int) {
	defer bc.conn.Close()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.SendRandomMessage(numClients); err != nil {
			select {
			case <-bc.done:
				return
			default:
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		time.Sleep(delay)
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}

	bc.conn.Disconnect()
}

func main() {
	serverAddr := flag.String("server", "localhost:3000", "Relay address (host:port)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between sends")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between sends")
	flag.Parse()

	if *numClients <= 0 {
		log.Fatal("clients must be positive")
	}

	// Ramp up over 25% of test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, received, connErrors, avgUs := stats.snapshot()
				rate := float64(sent) / time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg %.2fms",
					sent, rate, received, failed, connErrors, avgUs/1000.0)
			case <-stopStats:
				return
			}
		}
	}()

	for i := 0; i < *numClients; i++ {
		wg.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				return
			}
			if err := bot.Login(); err != nil {
				stats.connectionErrors.Add(1)
				bot.conn.Close()
				return
			}

			if id%100 == 0 {
				log.Printf("[Bot %d] Logged in as %s", id, bot.phone)
			}

			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, *numClients)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		stop()
		os.Exit(1)
	}()

	wg.Wait()
	stop()

	sent, failed, received, connErrors, avgUs := stats.snapshot()
	rate := float64(sent) / duration.Seconds()

	log.Printf("=== Final Results ===")
	log.Printf("Duration: %v", *duration)
	log.Printf("Messages sent: %d (%.1f/s)", sent, rate)
	log.Printf("Messages received: %d", received)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Server errors: %d", stats.serverErrors.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)

	if sent+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
