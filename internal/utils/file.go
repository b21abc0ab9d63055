package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var imageExts = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "bmp": true, "tiff": true, "webp": true,
}

// EnsureDir creates a directory if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0755)
	}
	return nil
}

// GetFileExtension returns the file extension without the dot
func GetFileExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 0 {
		return strings.ToLower(ext[1:])
	}
	return ""
}

// IsImageFile checks if a file has an image extension
func IsImageFile(filename string) bool {
	return imageExts[GetFileExtension(filename)]
}

// IsURL reports whether source should be fetched over HTTP
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// OutputName derives a file name from an input path or URL, without extension
func OutputName(source string) string {
	if IsURL(source) {
		if i := strings.IndexAny(source, "?#"); i >= 0 {
			source = source[:i]
		}
		source = strings.TrimSuffix(source, "/")
	}
	base := filepath.Base(source)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" || name == "." || name == "/" {
		return "image"
	}
	return name
}

// GenerateOutputFilename joins outputDir with prefix+name+suffix.format
func GenerateOutputFilename(source, outputDir, prefix, suffix, format string) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s%s%s.%s", prefix, OutputName(source), suffix, format))
}

// ListImageFiles recursively lists all image files in a directory
func ListImageFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && IsImageFile(path) {
			files = append(files, path)
		}

		return nil
	})

	return files, err
}

// DirExists checks if a directory exists
func DirExists(dirname string) bool {
	info, err := os.Stat(dirname)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// ExpandSources turns files, directories and URLs into a flat list of image sources
func ExpandSources(args []string) ([]string, error) {
	var sources []string
	for _, arg := range args {
		switch {
		case IsURL(arg):
			sources = append(sources, arg)
		case DirExists(arg):
			files, err := ListImageFiles(arg)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", arg, err)
			}
			sources = append(sources, files...)
		default:
			sources = append(sources, arg)
		}
	}
	return sources, nil
}
