// Command winls lists the processes and modules visible through a
// Win32Kernel handle opened over a raw physical-memory image, the Go
// analogue of the original project's kernel_exports example.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/win32mem/connector/rawfile"
	"github.com/tinyrange/win32mem/kernel"
	"github.com/tinyrange/win32mem/module"
	"github.com/tinyrange/win32mem/process"
	"github.com/tinyrange/win32mem/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "winls: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	imagePath := flag.String("image", "", "path to a flat physical-memory image file")
	build := flag.Uint("build", 19041, "windows build number (selects the offsets table)")
	psHeadFlag := flag.String("ps-head", "", "virtual address of PsActiveProcessHead (hex, e.g. 0xfffff8045c2a1c90)")
	la57 := flag.Bool("la57", false, "target uses 5-level paging (x64 LA57)")
	showModules := flag.Bool("modules", false, "also list each process's main module")
	flag.Parse()

	if *imagePath == "" {
		return errors.New("-image is required")
	}
	if *psHeadFlag == "" {
		return errors.New("-ps-head is required (this tool does not resolve kernel exports itself)")
	}
	psHead, err := parseHexAddr(*psHeadFlag)
	if err != nil {
		return fmt.Errorf("-ps-head: %w", err)
	}

	colorize := term.IsTerminal(int(os.Stdout.Fd()))

	conn, err := rawfile.Open(*imagePath, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	k := kernel.New(conn).WithLogger(slog.Default())

	bar := progressbar.DefaultBytes(-1, "scanning for DTB")
	if err := k.Scan(*la57); err != nil {
		bar.Close()
		return fmt.Errorf("scan: %w", err)
	}
	bar.Finish()

	if err := k.Initialize(uint32(*build), psHead); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	fmt.Println(colorHeader(colorize, fmt.Sprintf("%-8s %-20s %-18s %s", "PID", "NAME", "DTB", "MAIN MODULE")))

	return k.Processes(func(p process.ProcessInfo) bool {
		line := fmt.Sprintf("%-8d %-20s %-18s", p.PID, p.ImageFileName, p.DirectoryTableBase)
		if *showModules {
			handle, err := k.WithKernelRef(p)
			if err == nil {
				var main module.ModuleInfo
				if main, err = handle.MainModule(); err == nil {
					line += " " + main.FullName
				}
			}
			if err != nil {
				line += " " + colorDim(colorize, "<no main module>")
			}
		}
		fmt.Println(line)
		return true
	})
}

func parseHexAddr(s string) (types.VirtAddr, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return types.VirtAddr(v), nil
}

// colorHeader bolds s when colorize is set, stripping the escape codes
// back out via ansi.Strip when it is not — so the same formatting call
// works whether stdout is a terminal or a pipe.
func colorHeader(colorize bool, s string) string {
	styled := "\x1b[1m" + s + "\x1b[0m"
	if colorize {
		return styled
	}
	return ansi.Strip(styled)
}

func colorDim(colorize bool, s string) string {
	styled := "\x1b[2m" + s + "\x1b[0m"
	if colorize {
		return styled
	}
	return ansi.Strip(styled)
}
