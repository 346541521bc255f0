package checkpoint

import (
	"bufio"
	"encoding/json"
	"os"
)

func readJSONLFile(path string, visit func(Feedback)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fb Feedback
		if err := json.Unmarshal(line, &fb); err != nil {
			// Interrupted append leaves at most one bad trailing line.
			break
		}
		visit(fb)
	}
	return scanner.Err()
}

func appendJSONLFile(path string, fb Feedback) error {
	line, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
