//go:build linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/legamerdc/tinyrpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var callCmd = &cobra.Command{
	Use:   "call <Service.Method> [json]",
	Short: "Call a method with a JSON object as request",
	Long: `Call a method on a tinyrpc server. Request and response are protobuf Struct
messages, so the request is given as a JSON object, e.g.

  tinyrpc call Order.makeOrder '{"price": 100, "goods": "apple"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	f := callCmd.Flags()
	f.String("addr", "127.0.0.1:12345", "Server address")
	f.Duration("timeout", time.Second, "Call timeout")
	f.Bool("compress", false, "Compress payloads with zstd (must match the server)")
}

func runCall(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	req := &structpb.Struct{}
	if len(args) == 2 {
		if err := protojson.Unmarshal([]byte(args[1]), req); err != nil {
			return fmt.Errorf("invalid request json: %w", err)
		}
	}

	cfg := tinyrpc.DefaultConfig()
	cfg.CallTimeout = viper.GetDuration("timeout")
	cfg.CompressPayload = viper.GetBool("compress")
	cfg.Log.Level = "warn"

	ch, err := tinyrpc.Dial(viper.GetString("addr"), cfg)
	if err != nil {
		return err
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout)
	defer cancel()
	rsp := &structpb.Struct{}
	if err := ch.Call(ctx, args[0], req, rsp); err != nil {
		return err
	}
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(rsp)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
