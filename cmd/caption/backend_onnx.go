//go:build onnx

package main

import _ "k8s.io/examples/AI/imagecaption/pkg/engine/onnx"
