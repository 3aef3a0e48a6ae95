package vault

import (
	"fmt"
	"runtime"
	"sync"
)

// Parallel chunk decryption for streamed reads. The ciphertext reads stay
// sequential; only the AEAD work fans out to workers, and the results are
// reassembled in chunk order before the reader delivers a single byte.

func defaultWorkers() int {
	return runtime.NumCPU()
}

// chunkJob carries one chunk through the worker pool.
type chunkJob struct {
	index      int
	ciphertext []byte
	plaintext  []byte
}

// decryptChunkRange decrypts chunks [start, start+count) of an entry and
// returns the plaintexts in order. Caller holds the session lock and has
// verified the session is Unlocked.
func (s *Session) decryptChunkRange(e *Entry, start, count int) ([][]byte, error) {
	if count <= 0 {
		return nil, nil
	}

	jobs := make([]chunkJob, count)
	for i := 0; i < count; i++ {
		ciphertext, err := s.c.readChunkRaw(e, start+i)
		if err != nil {
			return nil, err
		}
		jobs[i] = chunkJob{index: start + i, ciphertext: ciphertext}
	}

	numWorkers := s.cfg.Parallel.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = defaultWorkers()
	}
	if numWorkers > count {
		numWorkers = count
	}

	if numWorkers <= 1 {
		for i := range jobs {
			plaintext, err := decryptChunk(s.contentEngine, e, jobs[i].index, jobs[i].ciphertext)
			if err != nil {
				return nil, err
			}
			jobs[i].plaintext = plaintext
		}
	} else {
		var wg sync.WaitGroup
		jobChan := make(chan int, count)
		errChan := make(chan error, numWorkers)

		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						err := fmt.Errorf("panic in decryption worker: %v", r)
						select {
						case errChan <- err:
						default:
						}
					}
				}()
				for idx := range jobChan {
					plaintext, err := decryptChunk(s.contentEngine, e, jobs[idx].index, jobs[idx].ciphertext)
					if err != nil {
						select {
						case errChan <- err:
						default:
						}
						return
					}
					jobs[idx].plaintext = plaintext
				}
			}()
		}

		for i := range jobs {
			jobChan <- i
		}
		close(jobChan)

		wg.Wait()
		close(errChan)

		if err := <-errChan; err != nil {
			return nil, err
		}
	}

	out := make([][]byte, count)
	for i := range jobs {
		out[i] = jobs[i].plaintext
	}
	return out, nil
}
