package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethpool/ethpool/internal/command"
	"github.com/ethpool/ethpool/internal/queue"
	"github.com/holiman/uint256"
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runMain publishes either one command built from --op/--caller/--amount or
// raw command envelopes from --payload, --payload-file or stdin. Every
// envelope is validated before anything is published. Command ids are written
// to ids, one per line.
func runMain(args []string, stdin io.Reader, stdout, ids io.Writer) error {
	var payloadFiles stringListFlag
	fs := flag.NewFlagSet("pool-command", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	queueDriver := fs.String("queue-driver", queue.DriverKafka, "queue driver: kafka|stdio")
	queueBrokers := fs.String("queue-brokers", "", "comma-separated queue brokers (required for kafka)")
	topic := fs.String("topic", "ledger.commands.v1", "command topic")
	op := fs.String("op", "", "operation: deposit|add_rewards|withdraw")
	caller := fs.String("caller", "", "caller address")
	amount := fs.String("amount", "", "decimal wei amount (deposit, add_rewards)")
	payload := fs.String("payload", "", "inline command envelope")
	fs.Var(&payloadFiles, "payload-file", "command envelope file path (repeatable)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*topic) == "" {
		return errors.New("--topic is required")
	}

	var payloads [][]byte
	if strings.TrimSpace(*op) != "" {
		b, err := buildCommand(*op, *caller, *amount)
		if err != nil {
			return err
		}
		payloads = [][]byte{b}
	} else {
		var err error
		payloads, err = loadPayloads(strings.TrimSpace(*payload), payloadFiles, stdin)
		if err != nil {
			return err
		}
	}

	type outgoing struct {
		parsed command.Parsed
		body   []byte
	}
	out := make([]outgoing, 0, len(payloads))
	for i, p := range payloads {
		p = bytes.TrimSpace(p)
		if len(p) == 0 {
			continue
		}
		parsed, err := command.Parse(p)
		if err != nil {
			return fmt.Errorf("payload %d: %w", i, err)
		}
		out = append(out, outgoing{parsed: parsed, body: p})
	}
	if len(out) == 0 {
		return errors.New("no commands to publish")
	}

	producer, err := queue.NewProducer(queue.ProducerConfig{
		Driver:  *queueDriver,
		Brokers: queue.SplitCommaList(*queueBrokers),
		Writer:  stdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	ctx := context.Background()
	for _, o := range out {
		rec := queue.Record{
			Topic: *topic,
			Key:   []byte(o.parsed.Caller.Hex()),
			Value: o.body,
		}
		if err := producer.Publish(ctx, rec); err != nil {
			return err
		}
		fmt.Fprintln(ids, o.parsed.ID)
	}
	return nil
}

func buildCommand(op, caller, amount string) ([]byte, error) {
	caller = strings.TrimSpace(caller)
	if !common.IsHexAddress(caller) {
		return nil, fmt.Errorf("--caller %q must be a hex address", caller)
	}
	var amt *uint256.Int
	if amount = strings.TrimSpace(amount); amount != "" {
		v, err := uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("parse --amount: %w", err)
		}
		amt = v
	}
	return json.Marshal(command.New(command.Op(strings.TrimSpace(op)), common.HexToAddress(caller), amt))
}

func loadPayloads(payloadInline string, payloadFiles []string, stdin io.Reader) ([][]byte, error) {
	payloads := make([][]byte, 0, len(payloadFiles)+1)
	if payloadInline != "" {
		payloads = append(payloads, []byte(payloadInline))
	}
	for _, filePath := range payloadFiles {
		b, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", filePath, err)
		}
		payloads = append(payloads, b)
	}
	if len(payloads) > 0 {
		return payloads, nil
	}
	if stdin == nil {
		return nil, errors.New("a command is required via --op, --payload, --payload-file, or stdin")
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("read stdin payload: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.New("a command is required via --op, --payload, --payload-file, or stdin")
	}
	// One envelope per line on stdin.
	var out [][]byte
	for _, line := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			out = append(out, line)
		}
	}
	return out, nil
}
