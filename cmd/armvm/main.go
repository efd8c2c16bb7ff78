package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/elena19m/armvmm/internal/chipset"
	"github.com/elena19m/armvmm/internal/hv"
	"github.com/elena19m/armvmm/internal/hv/vmmdev"
	"github.com/elena19m/armvmm/internal/uart"
	"github.com/elena19m/armvmm/internal/vgic"
	"github.com/elena19m/armvmm/internal/vmm"
)

// QEMU virt layout: UART at 0x0900_0000 on SPI 1.
const (
	uartBase = 0x0900_0000
	uartIRQ  = 33
)

const pollInterval = 2 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "armvm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML machine configuration")
	cpus := flag.Int("cpus", 0, "Number of vCPUs (overrides config)")
	memory := flag.Uint64("memory", 0, "Memory in MB (overrides config)")
	kernel := flag.String("kernel", "", "Flat guest image loaded at the entry address")
	entry := flag.Uint64("entry", 0, "Guest entry address (default: start of RAM)")
	restore := flag.String("restore", "", "Restore machine state from a snapshot file")
	save := flag.String("save", "", "Save machine state to a snapshot file on exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run an ARM64 guest with a virtual GICv3, timer and console.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -kernel guest.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config machine.yaml -kernel guest.bin -cpus 4\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -restore machine.snap\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	var cfg vmm.Config
	if *configPath != "" {
		f, err := os.Open(*configPath)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		loaded, err := vmm.LoadConfig(f)
		f.Close()
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *cpus > 0 {
		cfg.CPUs = *cpus
	}
	if *memory > 0 {
		cfg.MemorySize = *memory << 20
	}

	if *kernel == "" && *restore == "" {
		flag.Usage()
		return fmt.Errorf("one of -kernel or -restore is required")
	}

	tramp, err := vmmdev.Open()
	if err != nil {
		return err
	}
	defer tramp.Close()

	host, err := vmm.NewHost(tramp, nil, log)
	if err != nil {
		return err
	}
	log.Info("host ready",
		"list_registers", host.Features().NumListRegs,
		"min_priority", fmt.Sprintf("0x%x", host.Features().MinPriority),
		"counter_hz", host.CounterFrequency())

	vm, err := vmm.NewVM(host, cfg)
	if err != nil {
		return err
	}
	defer vm.Close()

	cs, err := buildChipset(vm)
	if err != nil {
		return err
	}
	vm.AddDevice(cs)

	if err := cs.Start(); err != nil {
		return err
	}
	defer cs.Stop()

	if *kernel != "" {
		image, err := os.ReadFile(*kernel)
		if err != nil {
			return fmt.Errorf("read kernel: %w", err)
		}
		base := vm.AddressSpace().RAMBase()
		if *entry != 0 {
			base = *entry
		}
		if _, err := vm.WriteAt(image, int64(base)); err != nil {
			return fmt.Errorf("load kernel: %w", err)
		}
		for i := 0; i < vm.NumCPUs(); i++ {
			vm.VCPU(i).SetEntry(base)
		}
		log.Info("kernel loaded", "bytes", len(image), "entry", fmt.Sprintf("0x%x", base))
	}

	if *restore != "" {
		if err := vm.LoadSnapshot(*restore); err != nil {
			return err
		}
		log.Info("snapshot restored", "path", *restore)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	go pollLoop(ctx, cs, log)

	if err := runVCPUs(ctx, vm, log); err != nil {
		return err
	}

	if *save != "" {
		if err := vm.SaveSnapshot(*save); err != nil {
			return err
		}
		log.Info("snapshot saved", "path", *save)
	}
	return nil
}

// buildChipset assembles the guest-facing devices: one PL011 console on the
// standard virt-machine line, interrupts routed through the VM.
func buildChipset(vm *vmm.VM) (*chipset.Chipset, error) {
	if err := vm.AddressSpace().RegisterFixed("uart", uartBase, uart.MMIOWindowSize); err != nil {
		return nil, err
	}

	lines := chipset.NewLineSet(vm, slog.Default())
	console := uart.New(uartBase, os.Stdin, os.Stdout, lines.AllocateLine(uartIRQ, vgic.ClassMisc))

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("uart", console); err != nil {
		return nil, err
	}
	return builder.Build()
}

func pollLoop(ctx context.Context, cs *chipset.Chipset, log *slog.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cs.Poll(ctx); err != nil {
				log.Warn("device poll failed", "err", err)
			}
		}
	}
}

// runVCPUs drives one world-switch loop per vCPU until the guest halts, a
// vCPU fails, or the context is cancelled.
func runVCPUs(ctx context.Context, vm *vmm.VM, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, vm.NumCPUs())

	for i := 0; i < vm.NumCPUs(); i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := runVCPU(ctx, vm, id, log); err != nil {
				errCh <- fmt.Errorf("vCPU %d: %w", id, err)
				cancel()
			}
		}(i)
	}

	wg.Wait()
	close(errCh)
	return <-errCh
}

func runVCPU(ctx context.Context, vm *vmm.VM, id int, log *slog.Logger) error {
	v := vm.VCPU(id)
	for {
		exit, err := v.Run(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, hv.ErrVMHalted) {
				return nil
			}
			return err
		}

		switch exit.Kind {
		case hv.ExitInstEmul:
			if err := vm.HandleExit(id, exit); err != nil {
				return err
			}
		case hv.ExitBogus:
			// Physical interrupts land here after the host services
			// them; anything else ends the vCPU.
			if exit.Raw.Reason == hv.TrapEL1IRQ || exit.Raw.Reason == hv.TrapEL1FIQ {
				continue
			}
			log.Warn("unhandled guest exit", "vcpu", id, "exit", exit.String())
			return nil
		default:
			log.Warn("unhandled guest exit", "vcpu", id, "exit", exit.String())
			return nil
		}
	}
}
