package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	proc "github.com/arminnakhjiri/BasicGEE/processor"
	"golang.org/x/crypto/ssh/terminal"
)

var passed string = "Passed"
var failed string = "Failed"

type layer struct {
	NameSpace string `json:"namespace"`
	Name      string `json:"name"`
	MapURL    string `json:"map_url"`
}

func (l layer) path() string {
	if l.NameSpace == "." || len(l.NameSpace) == 0 {
		return l.Name
	}
	return l.NameSpace + "/" + l.Name
}

func Layers(host string) ([]layer, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/layers", host))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var layers []layer
	if err := json.NewDecoder(resp.Body).Decode(&layers); err != nil {
		return nil, err
	}
	return layers, nil
}

// check requests url and accepts any of the given status codes. A 200
// must carry the expected content type.
func check(url, contentType string, accepted ...int) bool {
	resp, err := http.Get(url)
	if err != nil {
		log.Printf("%s: %v", url, err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, code := range accepted {
		if resp.StatusCode != code {
			continue
		}
		if code == http.StatusOK && !strings.HasPrefix(resp.Header.Get("Content-Type"), contentType) {
			log.Printf("%s: content type %s", url, resp.Header.Get("Content-Type"))
			return false
		}
		return true
	}
	log.Printf("%s: status %d", url, resp.StatusCode)
	return false
}

// fetchAll checks every url with at most concLevel requests in flight.
func fetchAll(urls []string, contentType string, concLevel int, accepted ...int) (bool, time.Duration) {
	start := time.Now()
	conc := proc.NewConcLimiter(concLevel)

	var mu sync.Mutex
	out := true
	for _, url := range urls {
		conc.Increase()
		go func(url string) {
			defer conc.Decrease()
			if !check(url, contentType, accepted...) {
				mu.Lock()
				out = false
				mu.Unlock()
			}
		}(url)
	}
	conc.Wait()
	return out, time.Since(start)
}

// readURLs reads one URL template per line; %s is replaced by host.
func readURLs(host, urlList string) ([]string, error) {
	f, err := os.Open(urlList)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, strings.ReplaceAll(line, "%s", host))
	}
	return urls, scanner.Err()
}

func inRed(str string) string {
	return fmt.Sprintf("\x1b[31;1m%s\x1b[0m", str)
}

func inGreen(str string) string {
	return fmt.Sprintf("\x1b[32;1m%s\x1b[0m", str)
}

func main() {
	host := flag.String("h", "localhost:8080", "Band math server host name and port")
	suite := flag.String("s", "maps", "Test suite [maps, series, urls]")
	urlList := flag.String("urls", "acpt_url.tpl", "URL templates used by the urls suite")
	conc := flag.Int("n", 6, "Concurrency level for acceptance tests")
	flag.Parse()

	var t time.Duration
	var ok bool

	if terminal.IsTerminal(int(os.Stdout.Fd())) {
		passed = inGreen(passed)
		failed = inRed(failed)
	}

	fmt.Printf("Testing layer listing: ")
	layers, err := Layers(*host)
	if err != nil {
		fmt.Println(failed, err)
		os.Exit(1)
	}
	fmt.Println(passed, len(layers), "layers")

	var urls []string
	switch *suite {
	case "maps":
		for _, l := range layers {
			urls = append(urls, fmt.Sprintf("http://%s%s", *host, l.MapURL))
		}
		fmt.Printf("Testing maps sending %d requests: ", len(urls))
		ok, t = fetchAll(urls, "image/png", *conc, http.StatusOK, http.StatusUnprocessableEntity)
	case "series":
		for _, l := range layers {
			urls = append(urls, fmt.Sprintf("http://%s/series/%s?format=csv", *host, l.path()))
		}
		fmt.Printf("Testing series sending %d requests: ", len(urls))
		ok, t = fetchAll(urls, "text/csv", *conc, http.StatusOK, http.StatusUnprocessableEntity)
	case "urls":
		if urls, err = readURLs(*host, *urlList); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Testing %d listed requests: ", len(urls))
		ok, t = fetchAll(urls, "", *conc, http.StatusOK)
	default:
		log.Fatalf("unknown suite: %s", *suite)
	}
	if !ok {
		fmt.Println(failed)
		os.Exit(1)
	}
	fmt.Println(passed, t)
}
