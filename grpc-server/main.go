package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	_ "net/http/pprof"

	"github.com/arminnakhjiri/BasicGEE/utils"
	"github.com/arminnakhjiri/BasicGEE/worker/engine"
	"github.com/arminnakhjiri/BasicGEE/worker/gdalprocess"
	"google.golang.org/grpc"
)

func main() {
	port := flag.Int("p", 6000, "gRPC server listening port.")
	poolSize := flag.Int("n", engine.DefaultExportWorkers, "Maximum number of exports written concurrently.")
	masAddress := flag.String("mas", "", "Metadata service address used to answer queries.")
	exportDir := flag.String("export_dir", "", "Directory exports are written to. Exports are refused when empty.")
	maxMsgSize := flag.Int("max_msg_size", utils.DefaultRecvMsgSize, "Maximum gRPC message size in bytes.")
	envFile := flag.String("env", ".env", "Optional .env file with service addresses.")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	if err := utils.LoadEnv(*envFile); err != nil {
		log.Fatalf("failed to load %s: %v", *envFile, err)
	}
	var sc utils.ServiceConfig
	utils.ApplyEnvOverrides(&sc)
	if len(*masAddress) == 0 {
		*masAddress = sc.MASAddress
	}
	if len(*exportDir) == 0 {
		*exportDir = sc.ExportDir
	}

	gdalprocess.RegisterGDALDrivers()

	var exports *engine.ExportQueue
	if len(*exportDir) > 0 {
		if err := os.MkdirAll(*exportDir, 0755); err != nil {
			log.Printf("Failed to create export dir: %v", err)
			os.Exit(2)
		}
		exports = engine.NewExportQueue(*exportDir, *poolSize, *debug)
	}

	s := grpc.NewServer(grpc.MaxRecvMsgSize(*maxMsgSize), grpc.MaxSendMsgSize(*maxMsgSize))
	engine.RegisterEngineServer(s, engine.NewServer(engine.NewLocal(*masAddress, exports, *debug), *debug))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		s.GracefulStop()
		if exports != nil {
			exports.StopWait()
		}
		os.Exit(1)
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	if *debug {
		log.Printf("engine worker listening on %s, mas: %s, exports: %s", lis.Addr(), *masAddress, *exportDir)
	}

	if err := s.Serve(lis); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
