package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	max31856 "github.com/sakociukai/pico-max31856"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

var log zerolog.Logger

func init() {
	cw := zerolog.ConsoleWriter{Out: os.Stdout}
	log = zerolog.New(cw).With().Timestamp().Logger()
}

var tcTypes = map[string]max31856.ThermocoupleType{
	"b": max31856.TypeB,
	"e": max31856.TypeE,
	"j": max31856.TypeJ,
	"k": max31856.TypeK,
	"n": max31856.TypeN,
	"r": max31856.TypeR,
	"s": max31856.TypeS,
	"t": max31856.TypeT,
}

func main() {
	bus := flag.String("bus", "", "Name of the SPI bus")
	tcFlag := flag.String("type", "k", "Thermocouple type (B, E, J, K, N, R, S or T)")
	avg := flag.Int("avg", 2, "Samples averaged per reading (1, 2, 4, 8 or 16)")
	filter50 := flag.Bool("50hz", true, "Reject 50Hz mains noise instead of 60Hz")
	drdy := flag.String("drdy", "", "Name of the DRDY pin; empty polls one-shot samples instead")
	flag.Parse()

	_, err := host.Init()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize host")
	}

	sb, err := spireg.Open(*bus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open SPI bus")
	}
	defer sb.Close()

	tcType, ok := tcTypes[strings.ToLower(*tcFlag)]
	if !ok {
		log.Fatal().Str("type", *tcFlag).Msg("invalid thermocouple type")
	}

	dev, err := max31856.New(sb, &max31856.Opts{
		Avg:        *avg,
		Type:       tcType,
		Filter50Hz: *filter50,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure MAX31856")
	}
	defer dev.Halt()

	log.Info().Stringer("type", tcType).Int("avg", *avg).Msg("configured MAX31856")

	if *drdy != "" {
		pin := gpioreg.ByName(*drdy)
		if pin == nil {
			log.Fatal().Str("pin", *drdy).Msg("no such pin")
		}
		err = dev.SetupDRDY(pin, func() { report(dev) })
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up DRDY interrupt")
		}
		select {}
	}

	ticker := time.NewTicker(time.Second)
	for {
		if err = dev.RequestOneShot(); err != nil {
			log.Fatal().Err(err).Msg("failed to request sample")
		}
		time.Sleep(max31856.ConversionTime)
		report(dev)

		<-ticker.C
	}
}

func report(dev *max31856.Dev) {
	temp, err := dev.Temperature()
	if err != nil {
		log.Err(err).Msg("failed to read thermocouple temperature")
		return
	}
	cj, err := dev.ColdJunction()
	if err != nil {
		log.Err(err).Msg("failed to read cold junction temperature")
		return
	}
	faults, err := dev.Faults()
	if err != nil {
		log.Err(err).Msg("failed to read fault status")
		return
	}
	ev := log.Info().
		Float64("thermocouple_c", temp.Celsius()).
		Float64("cold_junction_c", cj.Celsius())
	if faults != 0 {
		ev = ev.Stringer("faults", faults)
	}
	ev.Msg("temperature")
}
