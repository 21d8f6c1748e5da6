package graphapi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
)

var (
	ErrNotPNG           = errors.New("not a valid PNG file")
	ErrNoPromptMetadata = errors.New("png does not contain prompt metadata")
)

var pngSignature = []byte{137, 80, 78, 71, 13, 10, 26, 10}

// PNGTextChunks returns the keyword/value pairs of every tEXt chunk in a PNG.
// ComfyUI stores the API-format workflow under "prompt" and the editor graph
// under "workflow".
func PNGTextChunks(r io.Reader) (map[string]string, error) {
	header := make([]byte, 8)
	_, err := io.ReadFull(r, header)
	if err != nil {
		return nil, err
	}

	if !bytes.Equal(header, pngSignature) {
		return nil, ErrNotPNG
	}

	txtChunks := make(map[string]string)

	for {
		var length uint32
		err = binary.Read(r, binary.BigEndian, &length)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		chunkType := make([]byte, 4)
		_, err = io.ReadFull(r, chunkType)
		if err != nil {
			return nil, err
		}

		if string(chunkType) == "tEXt" {
			chunkData := make([]byte, length)
			_, err = io.ReadFull(r, chunkData)
			if err != nil {
				return nil, err
			}

			keywordEnd := bytes.IndexByte(chunkData, 0)
			if keywordEnd == -1 {
				return nil, errors.New("malformed tEXt chunk")
			}

			keyword := string(chunkData[:keywordEnd])
			txtChunks[keyword] = string(chunkData[keywordEnd+1:])
		} else {
			// Skip the chunk data if it's not tEXt
			_, err = io.CopyN(io.Discard, r, int64(length))
			if err != nil {
				return nil, err
			}
		}

		// Skip the CRC
		_, err = io.CopyN(io.Discard, r, 4)
		if err != nil {
			return nil, err
		}

		if string(chunkType) == "IEND" {
			break
		}
	}

	return txtChunks, nil
}

// WorkflowFromPNGReader extracts the API-format workflow embedded in a PNG
// produced by ComfyUI.
func WorkflowFromPNGReader(r io.Reader) (Workflow, error) {
	chunks, err := PNGTextChunks(r)
	if err != nil {
		return Workflow{}, err
	}
	prompt, ok := chunks["prompt"]
	if !ok {
		return Workflow{}, ErrNoPromptMetadata
	}
	return LoadWorkflowReader(strings.NewReader(prompt))
}

// LoadWorkflowPNG extracts the workflow from a PNG file on disk
func LoadWorkflowPNG(path string) (Workflow, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Workflow{}, errors.Join(ErrWorkflowNotFound, err)
		}
		return Workflow{}, err
	}
	defer file.Close()
	return WorkflowFromPNGReader(file)
}
