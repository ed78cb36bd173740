package utils

import "k8s.io/apimachinery/pkg/util/intstr"

// IntToIntOrString converts an int to an IntOrString for Kubernetes API
func IntToIntOrString(val int) intstr.IntOrString {
	return intstr.IntOrString{
		Type:   intstr.Int,
		IntVal: int32(val),
	}
}
