// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// The rprocctl tool loads executable images on auxiliary processor cores and
// releases them from reset, either on real hardware through the Linux
// physical memory device or against a simulated target.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"

	"github.com/usbarmory/sunxi-rproc/devmem"
	"github.com/usbarmory/sunxi-rproc/internal/cmd"
	"github.com/usbarmory/sunxi-rproc/platform"
	"github.com/usbarmory/sunxi-rproc/rproc"
	"github.com/usbarmory/sunxi-rproc/sim"
	"github.com/usbarmory/sunxi-rproc/util"
	"github.com/usbarmory/sunxi-rproc/verify"
)

type config struct {
	platform     string
	platformFile string

	image     string
	imageAddr string
	runAddr   string
	core      int

	manifest   string
	pubKeys    string
	minVersion string

	device string

	plan     bool
	simulate bool
	progress bool

	sshAddr        string
	hostKey        string
	authorizedKeys string
}

var conf config

func init() {
	klog.InitFlags(nil)

	flag.StringVar(&conf.platform, "p", "sun55iw3", fmt.Sprintf("platform (%s)", strings.Join(platform.Names(), ", ")))
	flag.StringVar(&conf.platformFile, "P", "", "platform configuration file (YAML), overrides -p")
	flag.StringVar(&conf.image, "i", "", "image file (.zst and .lz4 files are decompressed)")
	flag.StringVar(&conf.imageAddr, "a", "", "host physical address (hex) of an image resident in shared memory")
	flag.StringVar(&conf.runAddr, "r", "0", "run address (hex), 0 for the image entry point")
	flag.IntVar(&conf.core, "c", 0, "auxiliary core")
	flag.StringVar(&conf.manifest, "s", "", "signed image manifest")
	flag.StringVar(&conf.pubKeys, "k", "", "manifest verifier keys file (one per line)")
	flag.StringVar(&conf.minVersion, "min-version", "", "minimum manifest version")
	flag.StringVar(&conf.device, "d", devmem.DefaultPath, "physical memory device")
	flag.BoolVar(&conf.plan, "plan", false, "show segment placement and exit")
	flag.BoolVar(&conf.simulate, "sim", false, "simulated target, show register trace")
	flag.BoolVar(&conf.progress, "progress", true, "show load progress")
	flag.StringVar(&conf.sshAddr, "ssh", "", "serve operator console on address (e.g. 127.0.0.1:2222)")
	flag.StringVar(&conf.hostKey, "ssh-host-key", "", "console host private key (PEM)")
	flag.StringVar(&conf.authorizedKeys, "ssh-authorized-keys", "", "console authorized keys file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] -i <image> | -a <addr> | -ssh <addr>\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		klog.Exitf("%v", err)
	}
}

func run() (err error) {
	pc, err := loadPlatform()

	if err != nil {
		return
	}

	runAddr, err := cmd.ParseHex(conf.runAddr, 32)

	if err != nil {
		return fmt.Errorf("invalid run address, %v", err)
	}

	verifier, err := loadVerifier()

	if err != nil {
		return
	}

	switch {
	case conf.sshAddr != "":
		return serve(pc)
	case conf.image != "":
		buf, err := readImage(conf.image)

		if err != nil {
			return err
		}

		return bootImage(pc, buf, uint32(runAddr), verifier)
	case conf.imageAddr != "":
		addr, err := cmd.ParseHex(conf.imageAddr, 64)

		if err != nil {
			return fmt.Errorf("invalid image address, %v", err)
		}

		ctx := rproc.BringupContext{
			ImageAddr: uint(addr),
			RunAddr:   uint32(runAddr),
			Core:      conf.core,
		}

		return bootResident(pc, ctx, verifier)
	}

	flag.Usage()

	return errors.New("missing image")
}

func loadPlatform() (*platform.Config, error) {
	if conf.platformFile != "" {
		return platform.Load(conf.platformFile)
	}

	return platform.Lookup(conf.platform)
}

func loadVerifier() (rproc.Verifier, error) {
	if conf.manifest == "" {
		if conf.pubKeys != "" {
			return nil, errors.New("verifier keys given without manifest")
		}

		return nil, nil
	}

	manifest, err := os.ReadFile(conf.manifest)

	if err != nil {
		return nil, err
	}

	keys, err := os.ReadFile(conf.pubKeys)

	if err != nil {
		return nil, fmt.Errorf("could not read verifier keys, %v", err)
	}

	var vkeys []string

	for _, k := range strings.Split(string(keys), "\n") {
		if k = strings.TrimSpace(k); k != "" && !strings.HasPrefix(k, "#") {
			vkeys = append(vkeys, k)
		}
	}

	n, err := verify.NewNote(manifest, vkeys...)

	if err != nil {
		return nil, err
	}

	if conf.minVersion != "" {
		if n.MinVersion, err = semver.NewVersion(conf.minVersion); err != nil {
			return nil, fmt.Errorf("invalid minimum version, %v", err)
		}
	}

	return n, nil
}

// simulated returns a remoteproc over an in-memory target.
func simulated(pc *platform.Config) (rp *rproc.Remoteproc, regs *sim.Registers, err error) {
	regs = &sim.Registers{}
	rp, err = pc.Remoteproc(&sim.Memory{}, regs, &sim.Cache{})

	return
}

func bootImage(pc *platform.Config, buf []byte, runAddr uint32, verifier rproc.Verifier) (err error) {
	rp, regs, err := simulated(pc)

	if err != nil {
		return
	}

	rp.Verifier = verifier

	img, entry, plan, err := rp.Prepare(buf, runAddr, conf.core)

	if err != nil {
		return
	}

	if conf.plan {
		fmt.Print(cmd.FormatPlan(img, plan))
		fmt.Printf("boot address %#.8x\n", entry)
		return
	}

	if !conf.simulate {
		// map only the windows this image and core require
		if rp, err = hardware(pc, []int{conf.core}, segmentWindows(plan), nil); err != nil {
			return
		}

		rp.Verifier = verifier
	}

	rp.Diagnostics = newProgress(plan, conf.progress)
	rp.Loader.Diagnostics = rp.Diagnostics
	rp.Sequencer.Diagnostics = rp.Diagnostics

	if err = rp.BootImage(buf, runAddr, conf.core); err != nil {
		return
	}

	if conf.simulate {
		fmt.Print(regs.Trace())
	}

	return
}

func bootResident(pc *platform.Config, ctx rproc.BringupContext, verifier rproc.Verifier) (err error) {
	if conf.simulate || conf.plan {
		return errors.New("resident images require a hardware target")
	}

	buf, err := residentImage(ctx.ImageAddr)

	if err != nil {
		return
	}

	rp, _, err := simulated(pc)

	if err != nil {
		return
	}

	rp.Verifier = verifier

	_, _, plan, err := rp.Prepare(buf, ctx.RunAddr, ctx.Core)

	if err != nil {
		return
	}

	windows := append(segmentWindows(plan), devmem.Window{Start: ctx.ImageAddr, Size: uint(len(buf))})

	if rp, err = hardware(pc, []int{ctx.Core}, windows, nil); err != nil {
		return
	}

	rp.Verifier = verifier

	return rp.Boot(ctx)
}

func segmentWindows(plan []rproc.Placement) (windows []devmem.Window) {
	for _, p := range plan {
		if p.Segment.MemSize > 0 {
			windows = append(windows, devmem.Window{Start: p.Dest, Size: uint(p.Segment.MemSize)})
		}
	}

	return
}

// registerWindows returns the control register windows of the given cores.
func registerWindows(pc *platform.Config, cores ...int) (windows []devmem.Window, err error) {
	for _, core := range cores {
		regs, err := pc.Registers(core)

		if err != nil {
			return nil, err
		}

		for _, addr := range regs {
			windows = append(windows, devmem.Window{Start: uint(addr), Size: 4})
		}
	}

	return
}

// cores returns every auxiliary core of the platform.
func cores(pc *platform.Config) (ids []int) {
	for i := range pc.Cores {
		ids = append(ids, i)
	}

	return
}

// rangeWindows returns the host physical destinations of every translation
// range.
func rangeWindows(pc *platform.Config) (windows []devmem.Window) {
	for _, r := range pc.Ranges {
		windows = append(windows, devmem.Window{Start: uint(r.Base), Size: uint(r.Size())})
	}

	return
}

func serve(pc *platform.Config) (err error) {
	var rp *rproc.Remoteproc

	if conf.simulate {
		rp, _, err = simulated(pc)
	} else {
		rp, err = hardware(pc, cores(pc), nil, rangeWindows(pc))
	}

	if err != nil {
		return
	}

	cmd.Platform = pc
	cmd.Remoteproc = rp
	cmd.Banner = fmt.Sprintf("%s/%s (%s) • %s auxiliary core console", runtime.GOOS, runtime.GOARCH, runtime.Version(), pc.Name)

	console := &util.Console{
		Banner:  cmd.Banner,
		Help:    cmd.Help,
		Handler: cmd.Handler,
	}

	if conf.hostKey != "" {
		pem, err := os.ReadFile(conf.hostKey)

		if err != nil {
			return err
		}

		if console.HostKey, err = ssh.ParsePrivateKey(pem); err != nil {
			return fmt.Errorf("invalid host key, %v", err)
		}
	}

	if conf.authorizedKeys != "" {
		if console.AuthorizedKeys, err = authorizedKeys(conf.authorizedKeys); err != nil {
			return
		}
	}

	listener, err := net.Listen("tcp", conf.sshAddr)

	if err != nil {
		return
	}

	if err = console.Start(listener); err != nil {
		return
	}

	klog.Infof("console listening on %s", listener.Addr())

	select {}
}

func authorizedKeys(name string) (keys []ssh.PublicKey, err error) {
	buf, err := os.ReadFile(name)

	if err != nil {
		return
	}

	for len(buf) > 0 {
		key, _, _, rest, err := ssh.ParseAuthorizedKey(buf)

		if err != nil {
			break
		}

		keys = append(keys, key)
		buf = rest
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys found in %s", name)
	}

	return
}
