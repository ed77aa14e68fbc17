// Package serialization stores state dictionaries in the SafeTensors format.
//
//	File layout:
//	  [8 bytes: header size N (uint64 LE)]
//	  [N bytes: JSON header]
//	  [tensor data: raw little-endian bytes, tensors in name order]
//
// The JSON header maps each tensor name to its dtype, shape and
// [begin, end) byte offsets within the data section. The "__metadata__"
// entry holds string metadata; the writer adds a SHA-256 of the data section
// under MetadataChecksum, and the reader verifies it when present.
//
// Example usage:
//
//	// Save a network
//	err := serialization.WriteSafeTensors("model.safetensors", net.StateDict(), map[string]string{
//	    "variant": "pseudo_backprop",
//	})
//
//	// Load it back
//	stateDict, metadata, err := serialization.ReadSafeTensors("model.safetensors")
//	err = net.LoadStateDict(stateDict)
package serialization
