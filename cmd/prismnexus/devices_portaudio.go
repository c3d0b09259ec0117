//go:build portaudio

package main

import (
	"fmt"

	"github.com/MrWong99/prismnexus/internal/config"
	"github.com/MrWong99/prismnexus/pkg/audio/device"
	"github.com/MrWong99/prismnexus/pkg/audio/device/portaudio"
)

func registerAudio(reg *config.Registry) {
	reg.RegisterAudio("portaudio", func(entry config.ProviderEntry) (device.Platform, error) {
		var opts []portaudio.Option
		if name := entry.StringOption("input_device"); name != "" {
			opts = append(opts, portaudio.WithInputDevice(name))
		}
		if name := entry.StringOption("output_device"); name != "" {
			opts = append(opts, portaudio.WithOutputDevice(name))
		}
		if rate := entry.IntOption("output_sample_rate"); rate > 0 {
			opts = append(opts, portaudio.WithOutputSampleRate(rate))
		}
		return portaudio.New(opts...), nil
	})
}

func printDevices() error {
	devs, err := portaudio.Devices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		mark := " "
		switch {
		case d.DefaultInput && d.DefaultOutput:
			mark = "*"
		case d.DefaultInput:
			mark = "<"
		case d.DefaultOutput:
			mark = ">"
		}
		fmt.Printf("%s %-40s in:%-2d out:%-2d %6.0f Hz  latency %s\n",
			mark, d.Name, d.MaxInputs, d.MaxOutputs, d.DefaultRateHz, d.LowInputLatency)
	}
	return nil
}
