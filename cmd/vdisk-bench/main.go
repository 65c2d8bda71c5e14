// Command vdisk-bench issues fixed-size (blockSize) reads at random
// offsets against whatever container format vdisk.Probe recognizes,
// reporting IOPS and throughput.
package main

import (
	"flag"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gpu-ninja/vdisk"
	"github.com/silverisntgold/randshiro"
)

const blockSize = 4096
const totalReads = 10000
const queueDepth = 20

type readJob struct {
	offset int64
}

func main() {
	path := flag.String("path", "", "path to a DMG, QCOW, VDI, VHD, or VHDX image")
	flag.Parse()

	if *path == "" {
		log.Fatal("vdisk-bench: -path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	image, err := vdisk.Probe(f)
	if err != nil {
		log.Fatal(err)
	}
	defer image.Close()

	imageSize := image.Size()
	if imageSize < blockSize {
		log.Fatal("vdisk-bench: image too small to benchmark")
	}

	rng := randshiro.New128pp()

	jobs := make([]readJob, totalReads)
	for i := range jobs {
		offset := int64(rng.Uint64() % uint64(imageSize-blockSize+1))
		jobs[i] = readJob{offset: offset}
	}

	var wg sync.WaitGroup
	jobCh := make(chan readJob)

	for i := 0; i < queueDepth; i++ {
		go worker(&wg, jobCh, image)
	}

	start := time.Now()

	for _, job := range jobs {
		wg.Add(1)
		jobCh <- job
	}
	wg.Wait()
	close(jobCh)

	elapsed := time.Since(start)

	iops := float64(totalReads) / elapsed.Seconds()
	throughput := iops * float64(blockSize) / (1024 * 1024) // MB/s

	log.Printf("IOPS: %.2f, Throughput: %.2f MB/s\n", iops, throughput)
}

func worker(jobsCompleted *sync.WaitGroup, jobCh <-chan readJob, image vdisk.Image) {
	for job := range jobCh {
		data := make([]byte, blockSize)
		if _, err := image.ReadAt(data, job.offset); err != nil {
			log.Fatal(err)
		}
		jobsCompleted.Done()
	}
}
