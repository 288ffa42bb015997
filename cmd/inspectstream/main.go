package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/i5heu/ouroboros-stream/internal/streamio"
	"github.com/i5heu/ouroboros-stream/internal/wire"
)

func main() {
	path := flag.String("path", "", "path to an encrypted container file")
	showFrames := flag.Bool("show-frames", false, "print the frame layout of every segment")
	limit := flag.Int("limit", 0, "max number of segments to print (0 = unlimited)")
	flag.Parse()

	if *path == "" {
		log.Fatal("-path is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("failed to open container at %s: %v", *path, err)
	}
	defer f.Close()

	header, err := streamio.ReadStreamHeader(f)
	if err != nil {
		log.Fatalf("failed to read stream header: %v", err)
	}

	fmt.Printf("Container: %s\n", *path)
	fmt.Printf("Magic: %q  Version: %d\n", header.Magic[:], header.Version)
	fmt.Printf("Profile: 0x%04x  Cipher: 0x%04x  PRF: 0x%04x\n", header.AlgProfile, header.Cipher, header.PRF)
	fmt.Printf("Compression: 0x%04x  Strategy: 0x%04x  AAD domain: 0x%04x\n", header.Compression, header.Strategy, header.AADDomain)
	fmt.Printf("Flags: 0x%04x  Chunk size: %d  Key id: %d\n", header.Flags, header.ChunkSize, header.KeyID)
	fmt.Printf("Salt: %x\n", header.Salt)
	if header.Flags&wire.FlagHasTotalLen != 0 {
		fmt.Printf("Plaintext size: %d\n", header.PlaintextSize)
	}

	segments := 0
	totalWire := uint64(0)
	for {
		segHeader, segmentWire, err := streamio.ReadSegment(f)
		if err == io.EOF {
			fmt.Printf("Stream ends without a final segment marker (resumable at segment %d)\n", segments)
			break
		}
		if err != nil {
			log.Fatalf("segment %d unreadable: %v", segments, err)
		}
		segments++
		totalWire += uint64(len(segmentWire))

		if *limit == 0 || segments <= *limit {
			fmt.Printf("Segment %d: frames=%d wire=%d compressed_len=%d crc=0x%08x flags=0x%04x\n",
				segHeader.SegmentIndex, segHeader.FrameCount, segHeader.WireLen,
				segHeader.CompressedLen, segHeader.WireCRC32, segHeader.Flags)
			if *showFrames && len(segmentWire) > 0 {
				ranges, err := wire.SplitFrames(segmentWire)
				if err != nil {
					log.Fatalf("segment %d frame layout unreadable: %v", segHeader.SegmentIndex, err)
				}
				for _, r := range ranges {
					fmt.Printf("  frame %d: type=%d ciphertext=%d bytes\n",
						r.Header.FrameIndex, r.Header.FrameType, r.Header.CiphertextLen)
				}
			}
		}

		if segHeader.IsFinal() {
			fmt.Println("Final segment marker found; stream is complete.")
			break
		}
	}
	fmt.Printf("Segments: %d  Wire bytes: %d\n", segments, totalWire)
}
