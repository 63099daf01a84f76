// Command tftpget fetches one file over tftp://, tftm:// or
// mtftp:// and writes it to a local path, exercising the engine,
// netio and config packages end to end the way gnssgo's
// cmd/ntrip-server wires flags into its server package.
package main

import (
	"flag"
	"io"
	"os"
	"time"

	tftp "github.com/qemu-edk2/go-tftpclient"
	"github.com/qemu-edk2/go-tftpclient/config"
	"github.com/qemu-edk2/go-tftpclient/internal/netio"
	"github.com/qemu-edk2/go-tftpclient/tftpuri"
	"github.com/sirupsen/logrus"
)

func main() {
	blksize := flag.Uint("blksize", 512, "requested RFC 2348 block size")
	mtftpAddr := flag.String("mtftp-addr", "239.255.1.1", "preconfigured MTFTP multicast address")
	mtftpPort := flag.Uint("mtftp-port", 3001, "preconfigured MTFTP multicast port")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if flag.NArg() != 2 {
		logrus.Fatal("usage: tftpget <tftp|tftm|mtftp URI> <output file>")
	}
	rawURI, outPath := flag.Arg(0), flag.Arg(1)

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatalf("invalid log level: %v", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	config.Set(&config.Values{
		Blksize:         uint32(*blksize),
		MTFTPAddr:       *mtftpAddr,
		MTFTPPort:       uint16(*mtftpPort),
		RetryBase:       time.Second,
		RetryMax:        8 * time.Second,
		RetryMaxTries:   5,
		MTFTPTimeoutCap: 3,
	})

	u, err := tftpuri.Parse(rawURI)
	if err != nil {
		logger.Fatalf("invalid URI: %v", err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		logger.Fatalf("failed to create %s: %v", outPath, err)
	}
	defer out.Close()

	consumer := &fileConsumer{f: out, log: logger}
	req, err := tftp.Open(consumer, u, netio.NewFactory(), logger)
	if err != nil {
		logger.Fatalf("failed to open transfer: %v", err)
	}

	<-req.Done()
	if consumer.status != tftp.StatusOK {
		logger.Fatalf("transfer failed: %s", consumer.status)
	}
}

// fileConsumer implements tftp.Consumer over an *os.File.
type fileConsumer struct {
	f      *os.File
	log    logrus.FieldLogger
	status tftp.Status
}

func (c *fileConsumer) Seek(offset int64) {
	if _, err := c.f.Seek(offset, io.SeekStart); err != nil {
		c.log.WithError(err).Warn("seek failed")
	}
}

func (c *fileConsumer) Deliver(p []byte) error {
	_, err := c.f.Write(p)
	return err
}

func (c *fileConsumer) Window(blksize int) {
	c.log.WithField("blksize", blksize).Debug("window updated")
}

func (c *fileConsumer) Close(status tftp.Status) {
	c.status = status
}
