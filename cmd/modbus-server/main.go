// Command modbus-server simulates MODBUS devices from a register map kept
// in memory, over TCP or a serial line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/grid-x/modbus-engine"
	"github.com/grid-x/modbus-engine/internal/logger"
)

func main() {
	var (
		listen   = flag.String("listen", ":502", "TCP address to serve MODBUS/TCP on")
		cfgPath  = flag.String("config", "", "YAML register map, default serves every table of unit 1")
		rtu      = flag.String("rtu", "", "serial device to serve MODBUS RTU on instead of TCP, e.g. /dev/ttyUSB0")
		baudrate = flag.Int("rtu-baudrate", 19200, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
		dataBits = flag.Int("rtu-databits", 8, "5, 6, 7 or 8")
		parity   = flag.String("rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
		stopBits = flag.Int("rtu-stopbits", 1, "1 or 2")
		level    = flag.String("log-level", "info", "panic, fatal, error, warn, info, debug or trace; debug logs every frame")
	)
	flag.Parse()

	log, err := logger.New(os.Stderr, *level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := defaultConfig()
	if *cfgPath != "" {
		if cfg, err = loadConfig(*cfgPath); err != nil {
			log.Fatal(err)
		}
	}
	store, err := cfg.store()
	if err != nil {
		log.Fatal(err)
	}
	opts := append(cfg.serverOptions(), modbus.WithServerLogger(&serverLogger{log}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *rtu != "" {
		serial := modbus.NewSerialConfig(*rtu)
		serial.BaudRate = *baudrate
		serial.DataBits = *dataBits
		serial.Parity = *parity
		serial.StopBits = *stopBits
		port, err := modbus.OpenSerial(serial)
		if err != nil {
			log.Fatal(err)
		}
		srv := modbus.NewServer(store, append(opts, modbus.WithServerFramer(modbus.RTUFramer{}))...)
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.WithField("device", *rtu).Info("serving MODBUS RTU")
		if err := srv.ServeConn(ctx, port); err != nil && !errors.Is(err, modbus.ErrServerClosed) {
			log.Fatal(err)
		}
		return
	}

	srv := modbus.NewServer(store, opts...)
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Close()
	}()
	log.WithField("address", *listen).Info("serving MODBUS/TCP")
	if err := srv.ListenAndServe(*listen); !errors.Is(err, modbus.ErrServerClosed) {
		log.Fatal(err)
	}
}

// serverLogger logs frames at debug level and everything else at info
// level.
type serverLogger struct {
	*logrus.Logger
}

func (l *serverLogger) Printf(format string, args ...interface{}) {
	if strings.HasPrefix(format, "modbus: send") || strings.HasPrefix(format, "modbus: recv") {
		l.Logger.Debugf(format, args...)
		return
	}
	l.Logger.Infof(format, args...)
}
