package utils

import (
	"encoding/json"
	"fmt"
	"io"
)

// Helper functions for SSE formatting
func WriteSSEData(w io.Writer, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// WriteSSEJSON marshals v and writes it as one SSE data frame.
func WriteSSEJSON(w io.Writer, v interface{}) {
	jsonData, err := json.Marshal(v)
	if err != nil {
		WriteSSEMessage(w, "error encoding event")
		return
	}
	WriteSSEData(w, string(jsonData))
}

func WriteSSEMessage(w io.Writer, message string) {
	jsonData, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		WriteSSEData(w, `{"message": "Error creating message"}`)
		return
	}
	WriteSSEData(w, string(jsonData))
}
